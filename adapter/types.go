package tradovate

import "time"

// Credentials is the access token request body accepted by /auth/accesstokenrequest.
// Field names follow the Tradovate API; values are opaque to this package.
type Credentials struct {
	Name       string `json:"name" yaml:"name"`
	Password   string `json:"password" yaml:"password"`
	DeviceID   string `json:"deviceId" yaml:"device_id"`
	ClientID   string `json:"cid" yaml:"client_id"`
	Secret     string `json:"sec" yaml:"secret"`
	AppID      string `json:"appId" yaml:"app_id"`
	AppVersion string `json:"appVersion" yaml:"app_version"`
}

// TokenInfo is the typed outcome of a successful token request or renewal.
type TokenInfo struct {
	AccessToken string    `json:"accessToken"`
	MarketToken string    `json:"mdAccessToken"`
	ExpiresAt   time.Time `json:"expirationTime"`
	UserID      int64     `json:"userId,omitempty"` // zero on renewal responses
}

// UserProfile is the body returned by GET /auth/me.
type UserProfile struct {
	UserID        int64  `json:"userId"`
	Name          string `json:"name"`
	FullName      string `json:"fullName"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	IsTrial       bool   `json:"isTrial"`
}

// tokenResponse covers every shape the auth endpoints answer with: a token,
// an errorText rejection or a p-ticket penalty.
type tokenResponse struct {
	AccessToken    string `json:"accessToken"`
	MdAccessToken  string `json:"mdAccessToken"`
	ExpirationTime string `json:"expirationTime"`
	UserID         int64  `json:"userId"`
	Name           string `json:"name"`

	ErrorText string `json:"errorText"`

	PTicket  string `json:"p-ticket"`
	PTime    int    `json:"p-time"`
	PCaptcha bool   `json:"p-captcha"`
}
