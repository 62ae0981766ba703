// Package handlers contains the HTTP surface: the platform webhook and
// the operator admin API.
package handlers

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hexleaf/wechat-ai-platform/internal/dispatch"
	"github.com/hexleaf/wechat-ai-platform/internal/store"
	"github.com/hexleaf/wechat-ai-platform/internal/wechat"
	"github.com/hexleaf/wechat-ai-platform/pkg/logging"
)

const (
	menuClickEvent   = "CLICK"
	subscribeEvent   = "subscribe"
	unsubscribeEvent = "unsubscribe"

	imageReplyText = "收到图片啦，不过我目前只能看懂文字，换成文字再发一次吧。"
	voiceReplyText = "收到语音啦，不过我目前只能看懂文字，换成文字再发一次吧。"
)

// Dispatcher runs one inbound event through the handler pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, event dispatch.Event) dispatch.Outcome
}

// UserDirectory records follow state changes.
type UserDirectory interface {
	UpsertSubscriber(ctx context.Context, rec store.UserRecord) error
	MarkUnsubscribed(ctx context.Context, openID string, at time.Time) error
}

// ProfileFetcher enriches new followers from the platform profile API.
type ProfileFetcher interface {
	GetUserInfo(ctx context.Context, openID string) (*wechat.UserInfo, error)
}

// WebhookHandler terminates the official account callback: echo
// verification on GET, message decode and synchronous dispatch on POST.
type WebhookHandler struct {
	token      string
	dispatcher Dispatcher
	users      UserDirectory
	profiles   ProfileFetcher
	logger     *logging.Logger
}

func NewWebhookHandler(token string, dispatcher Dispatcher, users UserDirectory, profiles ProfileFetcher, logger *logging.Logger) *WebhookHandler {
	if token == "" {
		panic("handlers: webhook token cannot be empty")
	}
	if dispatcher == nil {
		panic("handlers: dispatcher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{
		token:      token,
		dispatcher: dispatcher,
		users:      users,
		profiles:   profiles,
		logger:     logger,
	}
}

// inboundMessage is the platform's XML envelope. Fields not used by any
// message kind stay zero.
type inboundMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	Event        string   `xml:"Event"`
	EventKey     string   `xml:"EventKey"`
	MsgID        int64    `xml:"MsgId"`
}

type cdata struct {
	Text string `xml:",cdata"`
}

type passiveReply struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      cdata    `xml:"Content"`
}

// HandleVerify answers the platform's GET challenge during endpoint
// configuration.
func (h *WebhookHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !h.validSignature(q.Get("signature"), q.Get("timestamp"), q.Get("nonce")) {
		h.logger.Warn("webhook verification failed", "remote_ip", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	_, _ = io.WriteString(w, q.Get("echostr"))
}

// HandleMessage decodes one inbound message, dispatches it, and writes
// the passive reply. The platform retries on anything but a fast 200,
// so processing errors still answer "success".
func (h *WebhookHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !h.validSignature(q.Get("signature"), q.Get("timestamp"), q.Get("nonce")) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var msg inboundMessage
	if err := xml.Unmarshal(body, &msg); err != nil {
		h.logger.Warn("undecodable webhook payload", "error", err)
		h.writeSuccess(w)
		return
	}
	if msg.FromUserName == "" {
		h.writeSuccess(w)
		return
	}

	switch msg.MsgType {
	case "text":
		h.dispatchAndReply(w, r.Context(), msg, dispatch.Event{
			ActorID: msg.FromUserName,
			Text:    msg.Content,
			Kind:    dispatch.KindMessage,
		})
	case "event":
		h.handleEvent(w, r.Context(), msg)
	case "image":
		h.writeReply(w, msg, imageReplyText)
	case "voice":
		h.writeReply(w, msg, voiceReplyText)
	default:
		h.writeSuccess(w)
	}
}

func (h *WebhookHandler) handleEvent(w http.ResponseWriter, ctx context.Context, msg inboundMessage) {
	switch strings.ToLower(msg.Event) {
	case subscribeEvent:
		h.recordSubscribe(ctx, msg.FromUserName)
		h.dispatchAndReply(w, ctx, msg, dispatch.Event{
			ActorID: msg.FromUserName,
			Kind:    dispatch.KindLifecycle,
			Subkind: dispatch.SubkindSubscribe,
		})
	case unsubscribeEvent:
		h.recordUnsubscribe(ctx, msg.FromUserName)
		h.dispatchAndReply(w, ctx, msg, dispatch.Event{
			ActorID: msg.FromUserName,
			Kind:    dispatch.KindLifecycle,
			Subkind: dispatch.SubkindUnsubscribe,
		})
	default:
		if msg.Event == menuClickEvent {
			h.dispatchAndReply(w, ctx, msg, dispatch.Event{
				ActorID: msg.FromUserName,
				Kind:    dispatch.KindMenuAction,
				Subkind: msg.EventKey,
			})
			return
		}
		h.writeSuccess(w)
	}
}

func (h *WebhookHandler) dispatchAndReply(w http.ResponseWriter, ctx context.Context, msg inboundMessage, event dispatch.Event) {
	outcome := h.dispatcher.Dispatch(ctx, event)
	if outcome.ResponseText == nil {
		h.writeSuccess(w)
		return
	}
	h.writeReply(w, msg, *outcome.ResponseText)
}

// recordSubscribe upserts the follower profile, enriched from the
// profile API when available. Failures are logged, never surfaced; the
// welcome reply must go out regardless.
func (h *WebhookHandler) recordSubscribe(ctx context.Context, openID string) {
	if h.users == nil {
		return
	}
	rec := store.UserRecord{OpenID: openID, SubscribedAt: time.Now().UTC()}
	if h.profiles != nil {
		if info, err := h.profiles.GetUserInfo(ctx, openID); err != nil {
			h.logger.Warn("profile enrichment failed", "open_id", openID, "error", err)
		} else {
			rec.Nickname = info.Nickname
			rec.SubscribeScene = info.SubscribeScene
			if info.SubscribeTime > 0 {
				rec.SubscribedAt = time.Unix(info.SubscribeTime, 0).UTC()
			}
		}
	}
	if err := h.users.UpsertSubscriber(ctx, rec); err != nil {
		h.logger.Error("failed to record subscriber", "open_id", openID, "error", err)
	}
}

func (h *WebhookHandler) recordUnsubscribe(ctx context.Context, openID string) {
	if h.users == nil {
		return
	}
	if err := h.users.MarkUnsubscribed(ctx, openID, time.Now().UTC()); err != nil {
		h.logger.Warn("failed to record unsubscribe", "open_id", openID, "error", err)
	}
}

func (h *WebhookHandler) writeReply(w http.ResponseWriter, msg inboundMessage, text string) {
	reply := passiveReply{
		ToUserName:   cdata{Text: msg.FromUserName},
		FromUserName: cdata{Text: msg.ToUserName},
		CreateTime:   time.Now().Unix(),
		MsgType:      cdata{Text: "text"},
		Content:      cdata{Text: text},
	}
	out, err := xml.Marshal(reply)
	if err != nil {
		h.logger.Error("failed to marshal passive reply", "error", err)
		h.writeSuccess(w)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	_, _ = w.Write(out)
}

func (h *WebhookHandler) writeSuccess(w http.ResponseWriter) {
	_, _ = io.WriteString(w, "success")
}

// validSignature checks the sha1 over the sorted token, timestamp, and
// nonce that the platform sends with every request.
func (h *WebhookHandler) validSignature(signature, timestamp, nonce string) bool {
	if signature == "" || timestamp == "" || nonce == "" {
		return false
	}
	expected := Signature(h.token, timestamp, nonce)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Signature computes the callback signature for the given parameters.
func Signature(token, timestamp, nonce string) string {
	parts := []string{token, timestamp, nonce}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}
