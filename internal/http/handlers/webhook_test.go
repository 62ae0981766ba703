package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexleaf/wechat-ai-platform/internal/dispatch"
	"github.com/hexleaf/wechat-ai-platform/internal/store"
	"github.com/hexleaf/wechat-ai-platform/internal/wechat"
)

const testToken = "verify-token"

type stubDispatcher struct {
	events  []dispatch.Event
	outcome dispatch.Outcome
}

func (s *stubDispatcher) Dispatch(ctx context.Context, event dispatch.Event) dispatch.Outcome {
	s.events = append(s.events, event)
	return s.outcome
}

type stubUsers struct {
	upserted     []store.UserRecord
	unsubscribed []string
}

func (s *stubUsers) UpsertSubscriber(ctx context.Context, rec store.UserRecord) error {
	s.upserted = append(s.upserted, rec)
	return nil
}

func (s *stubUsers) MarkUnsubscribed(ctx context.Context, openID string, at time.Time) error {
	s.unsubscribed = append(s.unsubscribed, openID)
	return nil
}

type stubProfiles struct {
	info *wechat.UserInfo
}

func (s *stubProfiles) GetUserInfo(ctx context.Context, openID string) (*wechat.UserInfo, error) {
	return s.info, nil
}

func signedQuery(t *testing.T, extra map[string]string) string {
	t.Helper()
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := "nonce-1"
	q := url.Values{}
	q.Set("signature", Signature(testToken, timestamp, nonce))
	q.Set("timestamp", timestamp)
	q.Set("nonce", nonce)
	for k, v := range extra {
		q.Set(k, v)
	}
	return q.Encode()
}

func textReply(text string) dispatch.Outcome {
	return dispatch.Outcome{Success: true, ResponseText: &text}
}

func postMessage(t *testing.T, h *WebhookHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/wechat?"+signedQuery(t, nil), strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleMessage(rec, req)
	return rec
}

func TestVerifyEchoesChallenge(t *testing.T) {
	h := NewWebhookHandler(testToken, &stubDispatcher{}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/wechat?"+signedQuery(t, map[string]string{"echostr": "challenge-42"}), nil)
	rec := httptest.NewRecorder()
	h.HandleVerify(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "challenge-42", rec.Body.String())
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	h := NewWebhookHandler(testToken, &stubDispatcher{}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/wechat?signature=bogus&timestamp=1&nonce=n&echostr=x", nil)
	rec := httptest.NewRecorder()
	h.HandleVerify(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTextMessageGetsPassiveReply(t *testing.T) {
	dispatcher := &stubDispatcher{outcome: textReply("你好！")}
	h := NewWebhookHandler(testToken, dispatcher, nil, nil, nil)

	rec := postMessage(t, h, `<xml>
		<ToUserName><![CDATA[gh_account]]></ToUserName>
		<FromUserName><![CDATA[user-1]]></FromUserName>
		<CreateTime>1756400000</CreateTime>
		<MsgType><![CDATA[text]]></MsgType>
		<Content><![CDATA[你好]]></Content>
		<MsgId>100001</MsgId>
	</xml>`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<ToUserName><![CDATA[user-1]]></ToUserName>")
	assert.Contains(t, body, "<FromUserName><![CDATA[gh_account]]></FromUserName>")
	assert.Contains(t, body, "<MsgType><![CDATA[text]]></MsgType>")
	assert.Contains(t, body, "你好！")

	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, "user-1", dispatcher.events[0].ActorID)
	assert.Equal(t, dispatch.KindMessage, dispatcher.events[0].Kind)
	assert.Equal(t, "你好", dispatcher.events[0].Text)
}

func TestSilentOutcomeAnswersSuccess(t *testing.T) {
	dispatcher := &stubDispatcher{outcome: dispatch.Outcome{Success: true}}
	h := NewWebhookHandler(testToken, dispatcher, nil, nil, nil)

	rec := postMessage(t, h, `<xml>
		<ToUserName><![CDATA[gh_account]]></ToUserName>
		<FromUserName><![CDATA[user-1]]></FromUserName>
		<MsgType><![CDATA[text]]></MsgType>
		<Content><![CDATA[hi]]></Content>
	</xml>`)

	assert.Equal(t, "success", rec.Body.String())
}

func TestSubscribeUpsertsAndWelcomes(t *testing.T) {
	dispatcher := &stubDispatcher{outcome: textReply("欢迎关注！")}
	users := &stubUsers{}
	profiles := &stubProfiles{info: &wechat.UserInfo{
		OpenID:         "user-1",
		Nickname:       "小明",
		SubscribeScene: "ADD_SCENE_QR_CODE",
		SubscribeTime:  1756400000,
	}}
	h := NewWebhookHandler(testToken, dispatcher, users, profiles, nil)

	rec := postMessage(t, h, `<xml>
		<ToUserName><![CDATA[gh_account]]></ToUserName>
		<FromUserName><![CDATA[user-1]]></FromUserName>
		<MsgType><![CDATA[event]]></MsgType>
		<Event><![CDATA[subscribe]]></Event>
	</xml>`)

	assert.Contains(t, rec.Body.String(), "欢迎关注！")

	require.Len(t, users.upserted, 1)
	assert.Equal(t, "user-1", users.upserted[0].OpenID)
	assert.Equal(t, "小明", users.upserted[0].Nickname)
	assert.Equal(t, "ADD_SCENE_QR_CODE", users.upserted[0].SubscribeScene)

	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, dispatch.KindLifecycle, dispatcher.events[0].Kind)
	assert.Equal(t, dispatch.SubkindSubscribe, dispatcher.events[0].Subkind)
}

func TestUnsubscribeMarksUserAndStaysSilent(t *testing.T) {
	dispatcher := &stubDispatcher{outcome: dispatch.Outcome{Success: true}}
	users := &stubUsers{}
	h := NewWebhookHandler(testToken, dispatcher, users, nil, nil)

	rec := postMessage(t, h, `<xml>
		<ToUserName><![CDATA[gh_account]]></ToUserName>
		<FromUserName><![CDATA[user-1]]></FromUserName>
		<MsgType><![CDATA[event]]></MsgType>
		<Event><![CDATA[unsubscribe]]></Event>
	</xml>`)

	assert.Equal(t, "success", rec.Body.String())
	assert.Equal(t, []string{"user-1"}, users.unsubscribed)

	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, dispatch.SubkindUnsubscribe, dispatcher.events[0].Subkind)
}

func TestMenuClickDispatchesMenuAction(t *testing.T) {
	dispatcher := &stubDispatcher{outcome: textReply("报告生成中")}
	h := NewWebhookHandler(testToken, dispatcher, nil, nil, nil)

	postMessage(t, h, `<xml>
		<ToUserName><![CDATA[gh_account]]></ToUserName>
		<FromUserName><![CDATA[user-1]]></FromUserName>
		<MsgType><![CDATA[event]]></MsgType>
		<Event><![CDATA[CLICK]]></Event>
		<EventKey><![CDATA[analytics]]></EventKey>
	</xml>`)

	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, dispatch.KindMenuAction, dispatcher.events[0].Kind)
	assert.Equal(t, "analytics", dispatcher.events[0].Subkind)
}

func TestImageMessageGetsCannedReplyWithoutDispatch(t *testing.T) {
	dispatcher := &stubDispatcher{}
	h := NewWebhookHandler(testToken, dispatcher, nil, nil, nil)

	rec := postMessage(t, h, `<xml>
		<ToUserName><![CDATA[gh_account]]></ToUserName>
		<FromUserName><![CDATA[user-1]]></FromUserName>
		<MsgType><![CDATA[image]]></MsgType>
	</xml>`)

	assert.Contains(t, rec.Body.String(), "只能看懂文字")
	assert.Empty(t, dispatcher.events)
}

func TestPostRejectsBadSignature(t *testing.T) {
	h := NewWebhookHandler(testToken, &stubDispatcher{}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/wechat?signature=bogus&timestamp=1&nonce=n", strings.NewReader("<xml></xml>"))
	rec := httptest.NewRecorder()
	h.HandleMessage(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMalformedPayloadAnswersSuccess(t *testing.T) {
	dispatcher := &stubDispatcher{}
	h := NewWebhookHandler(testToken, dispatcher, nil, nil, nil)

	rec := postMessage(t, h, "not xml at all")

	assert.Equal(t, "success", rec.Body.String())
	assert.Empty(t, dispatcher.events)
}
