package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/streamhaus/crunchyd/internal/api"
)

// Stream is a resolved DRM stream: the manifest URL, the token that names our
// active-stream slot on the server, the license descriptor for the frontend's
// Widevine plumbing and the stored resume position.
type Stream struct {
	URL         string              `json:"url"`
	Token       string              `json:"token"`
	AudioLocale string              `json:"audioLocale"`
	Subtitles   map[string]Subtitle `json:"subtitles"`
	HardSubs    map[string]Subtitle `json:"hardSubs"`
	License     *LicenseConfig      `json:"license,omitempty"`
	Resume      int                 `json:"resume"`
}

// LicenseConfig tells the frontend where to send Widevine license requests
// and which headers the proxy expects.
type LicenseConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// Subtitle is one subtitle track of a resolved stream.
type Subtitle struct {
	URL      string `json:"url"`
	Format   string `json:"format"`
	Language string `json:"language"`
}

// SkipWindow is a named segment eligible for skipping, as [Start, End).
type SkipWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type playbackEndpoints struct {
	play          string
	playPhone     string
	release       string
	activeStreams string
	playheads     string
	skipEvents    string
	license       string
}

func defaultPlaybackEndpoints() playbackEndpoints {
	return playbackEndpoints{
		play:          api.PlaybackEndpoint,
		playPhone:     api.PlaybackPhoneEndpoint,
		release:       api.StreamReleaseEndpoint,
		activeStreams: api.ActiveStreamsEndpoint,
		playheads:     api.PlayheadsEndpoint,
		skipEvents:    api.SkipEventsEndpoint,
		license:       api.LicenseEndpoint,
	}
}

// resolveStream resolves a playable stream for the episode, preferring the
// Android TV endpoint and falling back to the phone endpoint. A slot-limit
// rejection is returned as is, without the fallback; the phone endpoint
// counts against the same limit.
func (c *Controller) resolveStream(ctx context.Context, episodeID string) (*Stream, error) {
	var stream Stream
	err := c.session.AuthorizedRequest(ctx, api.Request{
		URL:    fmt.Sprintf(c.eps.play, episodeID),
		Query:  url.Values{"queue": {"false"}},
		Header: http.Header{"X-Cr-Stream-Limits": {"true"}},
	}, &stream)
	if err == nil && stream.URL != "" {
		return &stream, nil
	}
	if api.IsTooManyActiveStreams(err) {
		return nil, err
	}
	log.Warn().Err(err).Str("episode_id", episodeID).Msg("tv playback resolve failed, trying phone endpoint")

	stream = Stream{}
	err = c.session.AuthorizedRequest(ctx, api.Request{
		URL: fmt.Sprintf(c.eps.playPhone, episodeID),
	}, &stream)
	if err != nil {
		return nil, err
	}
	if stream.URL == "" {
		return nil, fmt.Errorf("playback resolve returned no stream url for %s", episodeID)
	}
	return &stream, nil
}

// fetchSkipEvents loads the static skip timing document for the episode.
// Missing documents are normal; most episodes have none.
func (c *Controller) fetchSkipEvents(ctx context.Context, episodeID string) map[string]SkipWindow {
	var raw map[string]json.RawMessage
	err := c.client.Do(ctx, api.Request{URL: fmt.Sprintf(c.eps.skipEvents, episodeID)}, &raw)
	if err != nil {
		if api.HTTPStatus(err) != 404 {
			log.Debug().Err(err).Str("episode_id", episodeID).Msg("skip events fetch failed")
		}
		return nil
	}

	events := make(map[string]SkipWindow)
	for kind, blob := range raw {
		var w SkipWindow
		if err := json.Unmarshal(blob, &w); err != nil {
			continue
		}
		if w.End > w.Start {
			events[kind] = w
		}
	}
	return events
}

// licenseConfig assembles the license descriptor the frontend attaches to
// Widevine requests. Header set matches what the Android TV client sends to
// the license proxy.
func (c *Controller) licenseConfig(episodeID, token string) *LicenseConfig {
	bearer := c.session.AccessToken()
	if bearer == "" || token == "" {
		return nil
	}
	return &LicenseConfig{
		URL: c.eps.license,
		Headers: map[string]string{
			"Authorization":    "Bearer " + bearer,
			"Content-Type":     "application/octet-stream",
			"Origin":           "https://static.crunchyroll.com",
			"User-Agent":       c.session.DeviceUserAgent(),
			"x-cr-content-id":  episodeID,
			"x-cr-video-token": token,
		},
	}
}

// fetchResume reads the stored playhead for the episode. Fully-watched
// entries and positions below the resume threshold start from the beginning.
// Failures are non-fatal; missing resume data never blocks playback.
func (c *Controller) fetchResume(ctx context.Context, episodeID string) int {
	var out struct {
		Data []struct {
			ContentID    string `json:"content_id"`
			Playhead     int    `json:"playhead"`
			FullyWatched bool   `json:"fully_watched"`
		} `json:"data"`
	}
	err := c.session.AuthorizedRequest(ctx, api.Request{
		URL:   fmt.Sprintf(c.eps.playheads, c.session.AccountID()),
		Query: url.Values{"content_ids": {episodeID}},
	}, &out)
	if err != nil {
		log.Debug().Err(err).Str("episode_id", episodeID).Msg("playheads lookup failed")
		return 0
	}
	for _, entry := range out.Data {
		if entry.ContentID != episodeID || entry.FullyWatched {
			continue
		}
		if entry.Playhead >= minResumeSeconds {
			return entry.Playhead
		}
	}
	return 0
}

// streamSession is one entry of the active streams listing. Field names vary
// across backend versions.
type streamSession struct {
	DeviceID    string `json:"deviceId"`
	DeviceIDAlt string `json:"device_id"`
	Token       string `json:"token"`
	VideoToken  string `json:"video_token"`
	StreamToken string `json:"stream_token"`
	ContentID   string `json:"contentId"`
	Active      bool   `json:"active"`
}

func (s streamSession) deviceID() string {
	if s.DeviceID != "" {
		return s.DeviceID
	}
	return s.DeviceIDAlt
}

func (s streamSession) token() string {
	switch {
	case s.Token != "":
		return s.Token
	case s.VideoToken != "":
		return s.VideoToken
	default:
		return s.StreamToken
	}
}

// activeStreamTokens lists the slot tokens this device currently holds.
// Failures are non-fatal; callers proceed without cleanup.
func (c *Controller) activeStreamTokens(ctx context.Context) []string {
	var raw json.RawMessage
	err := c.session.AuthorizedRequest(ctx, api.Request{URL: c.eps.activeStreams}, &raw)
	if err != nil {
		log.Warn().Err(err).Msg("failed to enumerate active streams")
		return nil
	}

	var sessions []streamSession
	if err := json.Unmarshal(raw, &sessions); err != nil {
		// Object form: the list hides under one of a few keys.
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil
		}
		for _, key := range []string{"sessions", "items", "data", "streams", "result"} {
			if blob, ok := wrapper[key]; ok && json.Unmarshal(blob, &sessions) == nil {
				break
			}
		}
	}

	var tokens []string
	for _, s := range sessions {
		token := s.token()
		if token == "" {
			continue
		}
		if c.deviceID != "" && s.deviceID() != "" && s.deviceID() != c.deviceID {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens
}

// releaseSlot deletes one active-stream slot. The network can be flaky right
// around teardown, so it retries once after a short backoff.
func (c *Controller) releaseSlot(ctx context.Context, episodeID, token string) {
	if episodeID == "" || token == "" {
		return
	}
	for attempt := 0; attempt < 2; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := c.session.AuthorizedRequest(reqCtx, api.Request{
			Method: http.MethodDelete,
			URL:    fmt.Sprintf(c.eps.release, episodeID, token),
		}, nil)
		cancel()
		if err == nil {
			log.Info().Str("episode_id", episodeID).Msg("released active stream")
			return
		}
		if attempt == 0 {
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(500 * time.Millisecond):
			}
			continue
		}
		log.Warn().Err(err).Str("episode_id", episodeID).Msg("failed to release active stream")
	}
}

// releaseAllSlots frees every slot this device holds. Best effort; an
// enumeration failure skips cleanup rather than blocking playback.
func (c *Controller) releaseAllSlots(ctx context.Context, episodeID string) {
	for _, token := range c.activeStreamTokens(ctx) {
		c.releaseSlot(ctx, episodeID, token)
	}
}
