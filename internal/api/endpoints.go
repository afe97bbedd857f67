package api

// Endpoint URLs for the Crunchyroll private APIs. The www host sits behind the
// anti-bot gate; beta-api and the play service accept plain requests. Format
// verbs take account/episode/token identifiers in the order they appear.
const (
	TokenEndpoint       = "https://www.crunchyroll.com/auth/v1/token"
	DeviceCodeEndpoint  = "https://www.crunchyroll.com/auth/v1/device/code"
	DeviceTokenEndpoint = "https://www.crunchyroll.com/auth/v1/device/token"
	IndexEndpoint       = "https://www.crunchyroll.com/index/v2"

	ProfilesListEndpoint = "https://www.crunchyroll.com/accounts/v1/%s/multiprofile"
	ProfileByIDEndpoint  = "https://www.crunchyroll.com/accounts/v1/%s/multiprofile/%s"

	// Android TV playback: resolve a DRM stream, enumerate and release
	// active stream slots.
	PlaybackEndpoint      = "https://www.crunchyroll.com/playback/v2/%s/tv/android_tv/play"
	PlaybackPhoneEndpoint = "https://cr-play-service.prd.crunchyrollsvc.com/v1/%s/android/phone/play"
	StreamReleaseEndpoint = "https://cr-play-service.prd.crunchyrollsvc.com/v1/token/%s/%s"
	ActiveStreamsEndpoint = "https://cr-play-service.prd.crunchyrollsvc.com/playback/v1/sessions/streaming"
	LicenseEndpoint       = "https://cr-license-proxy.prd.crunchyrollsvc.com/v1/license/widevine"

	// Playheads are posted to the www host, matching Android TV clients.
	PlayheadsEndpoint = "https://www.crunchyroll.com/content/v2/%s/playheads"

	BrowseEndpoint       = "https://www.crunchyroll.com/content/v2/discover/browse"
	SearchEndpoint       = "https://www.crunchyroll.com/content/v2/discover/search"
	WatchlistEndpoint    = "https://www.crunchyroll.com/content/v2/discover/%s/watchlist"
	HistoryEndpoint      = "https://www.crunchyroll.com/content/v2/%s/watch-history"
	ResumeEndpoint       = "https://www.crunchyroll.com/content/v2/discover/%s/history"
	SeasonalTagsEndpoint = "https://beta-api.crunchyroll.com/content/v2/discover/seasonal_tags"
	CategoriesEndpoint   = "https://beta-api.crunchyroll.com/content/v1/tenant_categories"
	ObjectsEndpoint      = "https://beta-api.crunchyroll.com/content/v2/cms/objects/%s"

	// Static host, no authentication required.
	SkipEventsEndpoint = "https://static.crunchyroll.com/skip-events/production/%s.json"

	ActivationURL = "https://crunchyroll.com/activate"

	wwwHost = "www.crunchyroll.com"

	// Requests against /cms/ paths need the signed-URL params appended.
	CMSPathMarker = "/cms/"
)
