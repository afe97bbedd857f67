package api

// TokenResponse is the body returned by the token and device token endpoints.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	Country      string `json:"country"`
	AccountID    string `json:"account_id"`
	ProfileID    string `json:"profile_id"`
}

// DeviceCodeResponse is a pairing ticket from the device code endpoint.
// Interval is in milliseconds, ExpiresIn in seconds.
type DeviceCodeResponse struct {
	UserCode   string `json:"user_code"`
	DeviceCode string `json:"device_code"`
	Interval   int    `json:"interval"`
	ExpiresIn  int    `json:"expires_in"`
}

// CMSTokens are the signed-URL credentials from index/v2 that content hosts
// require as query parameters.
type CMSTokens struct {
	Bucket    string `json:"bucket"`
	Policy    string `json:"policy"`
	Signature string `json:"signature"`
	KeyPairID string `json:"key_pair_id"`
	Expires   string `json:"expires"`
}

// IndexResponse is the subset of index/v2 this client consumes.
type IndexResponse struct {
	CMS     CMSTokens `json:"cms"`
	CMSBeta CMSTokens `json:"cms_beta"`
	CMSWeb  CMSTokens `json:"cms_web"`
}

// Profile describes one entry of a multi-profile account.
type Profile struct {
	ProfileID         string `json:"profile_id"`
	ProfileName       string `json:"profile_name"`
	Username          string `json:"username"`
	Email             string `json:"email"`
	Avatar            string `json:"avatar"`
	IsPrimary         bool   `json:"is_primary"`
	IsSelected        bool   `json:"is_selected"`
	AudioLanguage     string `json:"preferred_content_audio_language"`
	SubtitleLanguage  string `json:"preferred_content_subtitle_language"`
	MaturityRating    string `json:"maturity_rating"`
	ExtendedMaturity  bool   `json:"extended_maturity_rating"`
	CanSwitch         bool   `json:"can_switch"`
	DoNotSellUserData bool   `json:"do_not_sell"`
}

// ProfilesResponse is the multiprofile listing for an account.
type ProfilesResponse struct {
	Profiles []Profile `json:"profiles"`
	Total    int       `json:"total"`
	MaxCount int       `json:"max_profile_count"`
	TierAllowed int    `json:"tier_max_profile_count"`
}

// errorBody is the shape error responses come back in. The auth endpoints use
// the bare "error" field, everything else uses code and message.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Context []struct {
		Code  string `json:"code"`
		Field string `json:"field"`
	} `json:"context"`
}
