package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/chat"
)

type sendRequest struct {
	ConversationID string          `json:"conversation_id"`
	Message        string          `json:"message"`
	FileURL        string          `json:"file_url"`
	Context        json.RawMessage `json:"context"`
}

// requestContext accepts the context either as an object or as a JSON
// encoded string. Anything unparsable yields an empty context.
func requestContext(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// writeReply answers a chat reply, or the failure with whatever part of the
// reply was produced.
func writeReply(w http.ResponseWriter, reply chat.Reply, err error) {
	if err != nil {
		extra := map[string]any{}
		if reply.ConversationID != "" {
			extra["conversation_id"] = reply.ConversationID
		}
		if reply.SQLResult != nil {
			extra["sql_result"] = reply.SQLResult
		}
		writeFailure(w, err, extra)
		return
	}
	writeJSON(w, struct {
		Success bool `json:"success"`
		chat.Reply
	}{true, reply})
}

func handleSend(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if !decodeBody(w, r, &req) {
			return
		}
		reply, err := deps.Chat.SendMessage(r.Context(), userOf(r), req.ConversationID, req.Message, requestContext(req.Context))
		writeReply(w, reply, err)
	}
}

func handleMultimodal(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if !decodeBody(w, r, &req) {
			return
		}
		reply, err := deps.Chat.ProcessMultimodal(r.Context(), userOf(r), req.ConversationID, req.Message, req.FileURL, requestContext(req.Context))
		writeReply(w, reply, err)
	}
}

func handleDetectContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Query().Get("route")
		if route == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "route is required")
			return
		}
		writeOK(w, map[string]any{"context": deps.Contexts.DetectActiveContext(r.Context(), route)})
	}
}

func handleDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Doctype        string `json:"doctype"`
			Docname        string `json:"docname"`
			Field          string `json:"field"`
			AttachmentName string `json:"attachment_name"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Doctype == "" || req.Docname == "" {
			writeFailure(w, apperr.New(apperr.Validation, "doctype and docname are required"), nil)
			return
		}
		res, err := deps.Files.ProcessAttachment(r.Context(), req.Doctype, req.Docname, req.Field, req.AttachmentName)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		// The caller only gets the extracted data; image temp files are not
		// served.
		deps.Files.Release(res.FilePath)
		writeOK(w, map[string]any{
			"file_type":    res.FileType,
			"category":     res.Category,
			"mime_type":    res.MimeType,
			"text_content": res.TextContent,
			"width":        res.Width,
			"height":       res.Height,
			"size":         res.Size,
		})
	}
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MessageID string `json:"message_id"`
			Rating    string `json:"rating"`
			Comments  string `json:"comments"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Chat.SubmitFeedback(r.Context(), userOf(r), req.MessageID, req.Rating, req.Comments)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeOK(w, map[string]any{"feedback_id": id})
	}
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Chat.ListActive(r.Context(), userOf(r))
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		if list == nil {
			list = []chat.Summary{}
		}
		writeOK(w, map[string]any{"conversations": list})
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := strings.ToLower(r.URL.Query().Get("format"))
		if format == "" {
			format = chat.FormatText
		}
		history, err := deps.Chat.History(r.Context(), userOf(r), chi.URLParam(r, "id"), format)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeOK(w, map[string]any{"history": history, "format": format})
	}
}

func handleConversationContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeHistory := r.URL.Query().Get("include_history") != "false"
		if err := deps.Chat.Authorize(r.Context(), userOf(r), chi.URLParam(r, "id")); err != nil {
			writeFailure(w, err, nil)
			return
		}
		c, err := deps.Contexts.ConversationContext(r.Context(), chi.URLParam(r, "id"), includeHistory)
		if err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeOK(w, map[string]any{"context": c})
	}
}

func handleUpdateContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chat.Anchor
		if !decodeBody(w, r, &req) {
			return
		}
		if err := deps.Chat.Authorize(r.Context(), userOf(r), chi.URLParam(r, "id")); err != nil {
			writeFailure(w, err, nil)
			return
		}
		if err := deps.Contexts.UpdateConversationContext(r.Context(), chi.URLParam(r, "id"), req); err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeOK(w, nil)
	}
}

func handleArchive(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Chat.Archive(r.Context(), userOf(r), chi.URLParam(r, "id")); err != nil {
			writeFailure(w, err, nil)
			return
		}
		writeOK(w, nil)
	}
}
