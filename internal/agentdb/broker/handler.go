package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb"
	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/store"
	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/watch"
	"github.com/vimo-ai/ai-cli-session-db/internal/logging"
)

// AgentVersion is reported in HandshakeOk and the Status query result.
var AgentVersion = "dev"

// Handler dispatches one decoded Request to the appropriate subsystem and
// returns the Response to write back. Grounded on
// original_source/src/agent/handler.rs's per-variant match.
type Handler struct {
	store       *store.Store
	broadcaster *Broadcaster
	watcher     *watch.Watcher
}

// NewHandler builds a Handler over the given storage, broadcaster, and
// watcher.
func NewHandler(st *store.Store, broadcaster *Broadcaster, watcher *watch.Watcher) *Handler {
	return &Handler{store: st, broadcaster: broadcaster, watcher: watcher}
}

// Handle routes one request from connection id and returns the response to
// send back on that same connection.
func (h *Handler) Handle(ctx context.Context, id ConnID, req Request) Response {
	log := logging.For("handler")

	switch req.Type {
	case ReqHandshake:
		log.Debug().Str("component", req.Component).Str("version", req.Version).Msg("handshake")
		return Response{Type: RespHandshakeOk, AgentVersion: AgentVersion}

	case ReqNotifyFileChange:
		if err := h.watcher.TriggerCollect(ctx, req.Path); err != nil {
			return errResponse(500, fmt.Sprintf("collection failed: %v", err))
		}
		return okResponse()

	case ReqSubscribe:
		h.broadcaster.Subscribe(id, req.Events)
		return okResponse()

	case ReqUnsubscribe:
		h.broadcaster.Unsubscribe(id, req.Events)
		return okResponse()

	case ReqWriteIndexResult:
		if err := h.store.MarkMessagesIndexed(ctx, req.IndexedMessageIDs); err != nil {
			return errResponse(500, err.Error())
		}
		return okResponse()

	case ReqWriteCompactResult:
		summary := agentdb.TalkSummary{
			TalkID:    req.TalkID,
			SessionID: req.SessionID,
			SummaryL2: req.SummaryL2,
			SummaryL3: req.SummaryL3,
		}
		if err := h.store.UpsertTalkSummary(ctx, summary); err != nil {
			return errResponse(500, err.Error())
		}
		return okResponse()

	case ReqWriteApproveResult:
		status := agentdb.ApprovalStatus(req.Status)
		if err := h.store.UpdateApprovalStatus(ctx, req.ToolCallID, status, req.ResolvedAt); err != nil {
			return errResponse(500, err.Error())
		}
		return okResponse()

	case ReqHeartbeat:
		return okResponse()

	case ReqQuery:
		return h.handleQuery(req.QueryType)

	case ReqHookEvent:
		return h.handleHookEvent(ctx, req, log)

	default:
		return errResponse(400, fmt.Sprintf("unknown request type %q", req.Type))
	}
}

func (h *Handler) handleQuery(queryType string) Response {
	switch queryType {
	case QueryStatus:
		data, _ := json.Marshal(map[string]interface{}{
			"agent_version": AgentVersion,
			"connections":   h.broadcaster.ConnectionCount(),
		})
		return Response{Type: RespQueryResult, Success: true, Data: data}
	case QueryConnectionCount:
		data, _ := json.Marshal(map[string]interface{}{"count": h.broadcaster.ConnectionCount()})
		return Response{Type: RespQueryResult, Success: true, Data: data}
	default:
		return errResponse(400, fmt.Sprintf("unknown query type %q", queryType))
	}
}

// handleHookEvent always broadcasts the hook event after attempting a
// collection (if a transcript path was given and exists), regardless of
// whether that collection succeeded — matching handler.rs's behavior of
// never letting a collection failure suppress the notification.
func (h *Handler) handleHookEvent(ctx context.Context, req Request, log zerolog.Logger) Response {
	if req.TranscriptPath != "" {
		if _, err := os.Stat(req.TranscriptPath); err == nil {
			if err := h.watcher.TriggerCollect(ctx, req.TranscriptPath); err != nil {
				log.Warn().Msg("hook-triggered collection failed: " + err.Error())
			}
		}
	}

	h.broadcaster.Broadcast(Event{
		Type:      EventHookEvent,
		Kind:      req.Kind,
		SessionID: req.Session,
	})
	return okResponse()
}
