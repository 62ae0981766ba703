package wechat

import (
	"errors"
	"fmt"
)

// Error codes the platform returns inside an HTTP 200 body. Credential
// errors trigger a forced token refresh; quota errors surface as
// ErrRateLimited.
const (
	errCodeInvalidCredential = 40001
	errCodeInvalidToken      = 40014
	errCodeTokenExpired      = 42001
	errCodeAPIQuotaReached   = 45009
)

// ErrRateLimited is returned when the local limiter denies an outbound
// call or the platform reports its quota exhausted. Callers should not
// retry inside the same window.
var ErrRateLimited = errors.New("wechat: rate limit exceeded")

// APIError is a non-zero errcode answer from the platform.
type APIError struct {
	StatusCode int
	ErrCode    int    `json:"errcode"`
	ErrMsg     string `json:"errmsg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wechat: api error %d: %s", e.ErrCode, e.ErrMsg)
}

// CredentialExpired reports whether the error means the cached access
// token is no longer accepted and must be refreshed.
func (e *APIError) CredentialExpired() bool {
	switch e.ErrCode {
	case errCodeInvalidCredential, errCodeInvalidToken, errCodeTokenExpired:
		return true
	}
	return false
}

func isCredentialExpired(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.CredentialExpired()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// NewsArticle is one card of a rich media reply.
type NewsArticle struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PicURL      string `json:"picurl"`
}

type textMessageRequest struct {
	ToUser  string `json:"touser"`
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

type newsMessageRequest struct {
	ToUser  string `json:"touser"`
	MsgType string `json:"msgtype"`
	News    struct {
		Articles []NewsArticle `json:"articles"`
	} `json:"news"`
}

// MediaUpload is the handle returned for uploaded temporary media.
type MediaUpload struct {
	Type      string `json:"type"`
	MediaID   string `json:"media_id"`
	CreatedAt int64  `json:"created_at"`
}

// DraftArticle is a piece of content submitted to the draft box prior
// to publication.
type DraftArticle struct {
	Title              string `json:"title"`
	Author             string `json:"author,omitempty"`
	Digest             string `json:"digest,omitempty"`
	Content            string `json:"content"`
	ContentSourceURL   string `json:"content_source_url,omitempty"`
	ThumbMediaID       string `json:"thumb_media_id,omitempty"`
	NeedOpenComment    int    `json:"need_open_comment"`
	OnlyFansCanComment int    `json:"only_fans_can_comment"`
}

type addDraftRequest struct {
	Articles []DraftArticle `json:"articles"`
}

type addDraftResponse struct {
	MediaID string `json:"media_id"`
}

// UserSummary is one day of follower movement from the datacube API.
type UserSummary struct {
	RefDate    string `json:"ref_date"`
	UserSource int    `json:"user_source"`
	NewUser    int    `json:"new_user"`
	CancelUser int    `json:"cancel_user"`
}

// ArticleTotal is one day of cumulative article performance from the
// datacube API.
type ArticleTotal struct {
	RefDate          string `json:"ref_date"`
	Title            string `json:"title"`
	IntPageReadUser  int    `json:"int_page_read_user"`
	IntPageReadCount int    `json:"int_page_read_count"`
	ShareUser        int    `json:"share_user"`
	ShareCount       int    `json:"share_count"`
	AddToFavUser     int    `json:"add_to_fav_user"`
}

type dateRangeRequest struct {
	BeginDate string `json:"begin_date"`
	EndDate   string `json:"end_date"`
}

type userSummaryResponse struct {
	List []UserSummary `json:"list"`
}

type articleTotalResponse struct {
	List []ArticleTotal `json:"list"`
}

// UserInfo is the follower profile the platform exposes for a
// subscribed user.
type UserInfo struct {
	Subscribe      int    `json:"subscribe"`
	OpenID         string `json:"openid"`
	Nickname       string `json:"nickname"`
	Language       string `json:"language"`
	SubscribeTime  int64  `json:"subscribe_time"`
	Remark         string `json:"remark"`
	GroupID        int    `json:"groupid"`
	SubscribeScene string `json:"subscribe_scene"`
}

// MenuButton is one entry of the account's custom menu. Sub-buttons
// nest one level deep.
type MenuButton struct {
	Type       string       `json:"type,omitempty"`
	Name       string       `json:"name"`
	Key        string       `json:"key,omitempty"`
	URL        string       `json:"url,omitempty"`
	SubButtons []MenuButton `json:"sub_button,omitempty"`
}

type menuRequest struct {
	Buttons []MenuButton `json:"button"`
}

type menuEnvelope struct {
	Menu menuRequest `json:"menu"`
}
