package qqconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/transport"
)

// avatarFields is the avatar preference order, highest resolution first
var avatarFields = []string{
	"figureurl_qq_2", // 100x100, QQ hosted
	"figureurl_qq_1", // 40x40, QQ hosted
	"figureurl_2",    // 100x100, Qzone
	"figureurl_1",    // 50x50, Qzone
	"figureurl",      // 30x30, Qzone
}

var vipFields = []string{"is_yellow_vip", "vip", "is_yellow_year_vip"}

// UserInfo is a normalized get_user_info answer. Raw keeps the full payload.
type UserInfo struct {
	Nickname       string
	Gender         string
	Province       string
	City           string
	Year           string
	YellowVIPLevel int
	Level          int
	Raw            map[string]any
}

// FetchUserInfo loads the profile of openID
func (c *Client) FetchUserInfo(ctx context.Context, accessToken, appID, openID string) (*UserInfo, error) {
	resp, err := c.transport.Get(ctx, "get_user_info", c.endpoint.UserInfoURL, transport.Options{
		Query: url.Values{
			"access_token":       {accessToken},
			"oauth_consumer_key": {appID},
			"openid":             {openID},
		},
		Timeout: userInfoTimeout,
	})
	if err != nil {
		return nil, err
	}
	return ParseUserInfo([]byte(resp.Content))
}

// ParseUserInfo decodes and validates a get_user_info body
func ParseUserInfo(body []byte) (*UserInfo, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSONResponse, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: empty object", ErrInvalidJSONResponse)
	}
	return UserInfoFromMap(raw)
}

// UserInfoFromMap validates an already decoded payload. ret must be 0; it may
// arrive as a number or a numeric string.
func UserInfoFromMap(raw map[string]any) (*UserInfo, error) {
	ret, ok := intValue(raw["ret"])
	if !ok {
		return nil, &ProfileError{Ret: -1, Msg: "missing or non-numeric ret"}
	}
	if ret != 0 {
		return nil, &ProfileError{Ret: ret, Msg: stringify(raw["msg"])}
	}

	info := &UserInfo{
		Nickname: stringify(raw["nickname"]),
		Gender:   stringify(raw["gender"]),
		Province: stringify(raw["province"]),
		City:     stringify(raw["city"]),
		Year:     stringify(raw["year"]),
		Raw:      raw,
	}
	info.YellowVIPLevel, _ = intValue(raw["yellow_vip_level"])
	info.Level, _ = intValue(raw["level"])
	return info, nil
}

// Avatar returns the first non-empty avatar URL in preference order
func (u *UserInfo) Avatar() string {
	for _, field := range avatarFields {
		if s := stringify(u.Raw[field]); s != "" {
			return s
		}
	}
	return ""
}

// IsVIP reports whether any of the VIP flags is 1
func (u *UserInfo) IsVIP() bool {
	for _, field := range vipFields {
		if n, ok := intValue(u.Raw[field]); ok && n == 1 {
			return true
		}
	}
	return false
}
