package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/streamhaus/crunchyd/internal/api"
	"github.com/streamhaus/crunchyd/internal/config"
	"github.com/streamhaus/crunchyd/internal/crtime"
	"github.com/streamhaus/crunchyd/internal/database"
	"github.com/streamhaus/crunchyd/internal/secrets"
)

// Client kinds. Token grants carry device or mobile client credentials; the
// kind that established the session decides which user agent later requests
// use.
const (
	KindDevice = "device"
	KindMobile = "mobile"
)

// ErrNoSession means no usable session exists and the caller should start an
// activation or login flow.
var ErrNoSession = errors.New("no session")

// maxTokenRetries bounds consecutive rejected token requests before the
// session gives up entirely.
const maxTokenRetries = 2

// State is the in-memory session. Expires is the access token deadline;
// requests made past it refresh first.
type State struct {
	AccessToken string
	TokenType   string
	Expires     time.Time
	AccountID   string
	ExternalID  string
	ClientKind  string
	CMS         api.CMSTokens
}

// Authorization returns the value for the Authorization header.
func (s State) Authorization() string {
	tt := s.TokenType
	if tt == "" {
		tt = "Bearer"
	}
	return tt + " " + s.AccessToken
}

type endpoints struct {
	token       string
	deviceCode  string
	deviceToken string
	index       string
	profiles    string
	profileByID string
}

func defaultEndpoints() endpoints {
	return endpoints{
		token:       api.TokenEndpoint,
		deviceCode:  api.DeviceCodeEndpoint,
		deviceToken: api.DeviceTokenEndpoint,
		index:       api.IndexEndpoint,
		profiles:    api.ProfilesListEndpoint,
		profileByID: api.ProfileByIDEndpoint,
	}
}

// Manager owns the session lifecycle: restore from the database, token
// grants, scheduled refresh, authorized requests and teardown. All state is
// behind one mutex; token refreshes are serialized through it.
type Manager struct {
	client *api.Client
	cfg    *config.ClientConfig
	db     *database.DB
	vault  *secrets.Vault
	clock  clockwork.Clock
	locale string
	eps    endpoints

	mu           sync.Mutex
	state        State
	refreshToken string
	profile      *api.Profile
	retries      int
}

// NewManager builds a Manager. The database and vault are required; the
// session survives restarts through them.
func NewManager(client *api.Client, cfg *config.ClientConfig, db *database.DB, vault *secrets.Vault, locale string) *Manager {
	if locale == "" {
		locale = "en-US"
	}
	return &Manager{
		client: client,
		cfg:    cfg,
		db:     db,
		vault:  vault,
		clock:  clockwork.NewRealClock(),
		locale: locale,
		eps:    defaultEndpoints(),
	}
}

// Active reports whether a session with an access token is loaded.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AccessToken != ""
}

// Snapshot returns a copy of the current session state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Profile returns the active profile, or nil when none is selected.
func (m *Manager) Profile() *api.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profile == nil {
		return nil
	}
	p := *m.profile
	return &p
}

// Locale returns the content locale the manager was configured with.
func (m *Manager) Locale() string { return m.locale }

// AccountID returns the account the session belongs to, or "" without a
// session.
func (m *Manager) AccountID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AccountID
}

// DeviceID returns the stable per-install device identifier.
func (m *Manager) DeviceID() string { return m.cfg.DeviceID }

// AccessToken returns the current bearer token, "" without a session.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AccessToken
}

// DeviceUserAgent returns the user agent the device client presents.
func (m *Manager) DeviceUserAgent() string { return m.cfg.UserAgent(KindDevice) }

// Restore loads the persisted session. An expired access token triggers an
// immediate refresh; a dead refresh token clears the stored session and
// returns ErrNoSession so the caller can start activation.
func (m *Manager) Restore(ctx context.Context) error {
	row, err := m.db.GetSession()
	if err != nil {
		return err
	}
	if row == nil {
		return ErrNoSession
	}

	refresh, err := m.vault.Open(row.SealedRefreshToken)
	if err != nil {
		// Key file changed or row is corrupt. The session is
		// unrecoverable either way.
		log.Warn().Err(err).Msg("stored refresh token unreadable, clearing session")
		m.clearStored()
		return ErrNoSession
	}

	expires, err := crtime.Parse(row.Expires)
	if err != nil {
		expires = time.Time{}
	}

	m.mu.Lock()
	m.state = State{
		AccessToken: row.AccessToken,
		TokenType:   row.TokenType,
		Expires:     expires,
		AccountID:   row.AccountID,
		ExternalID:  row.ExternalID,
		ClientKind:  row.ClientKind,
		CMS: api.CMSTokens{
			Bucket:    row.CMSBucket,
			Policy:    row.CMSPolicy,
			Signature: row.CMSSignature,
			KeyPairID: row.CMSKeyPairID,
		},
	}
	m.refreshToken = refresh
	m.mu.Unlock()

	if prow, err := m.db.GetProfile(); err == nil && prow != nil {
		m.mu.Lock()
		m.profile = &api.Profile{
			ProfileID:        prow.ProfileID,
			ProfileName:      prow.ProfileName,
			Username:         prow.Username,
			Avatar:           prow.Avatar,
			AudioLanguage:    prow.AudioLanguage,
			SubtitleLanguage: prow.SubtitleLanguage,
			MaturityRating:   prow.MaturityRating,
		}
		m.mu.Unlock()
	}

	if m.clock.Now().After(expires) {
		log.Info().Msg("restored session is expired, refreshing")
		return m.Refresh(ctx)
	}
	return nil
}

// Refresh exchanges the refresh token for a new access token using the device
// client. A dead refresh token clears the session and returns ErrNoSession.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	refresh := m.refreshToken
	m.mu.Unlock()
	if refresh == "" {
		return ErrNoSession
	}

	form := url.Values{}
	form.Set("refresh_token", refresh)
	form.Set("grant_type", "refresh_token")
	form.Set("scope", "offline_access")
	return m.grant(ctx, KindDevice, form)
}

// RefreshIfExpiring refreshes when the access token has less than margin
// left. It is a no-op without a session; the maintenance job calls it
// unconditionally.
func (m *Manager) RefreshIfExpiring(ctx context.Context, margin time.Duration) error {
	m.mu.Lock()
	active := m.state.AccessToken != ""
	expires := m.state.Expires
	m.mu.Unlock()
	if !active || m.clock.Now().Add(margin).Before(expires) {
		return nil
	}
	log.Debug().Time("expires", expires).Msg("access token near expiry, refreshing")
	return m.Refresh(ctx)
}

// Login performs the password grant with the mobile client. Most accounts
// have password grants disabled; callers fall back to device activation on
// InvalidCredentials. Successful credentials are stored, sealed, so the
// session can be rebuilt without user interaction.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	form.Set("grant_type", "password")
	form.Set("scope", "offline_access")
	if err := m.grant(ctx, KindMobile, form); err != nil {
		return err
	}
	m.storeCredentials(username, password)
	return nil
}

// ErrNoCredentials means LoginStored has nothing to work with.
var ErrNoCredentials = errors.New("no stored credentials")

// LoginStored retries the password grant with previously stored credentials.
// Used as a fallback when neither a session nor a refresh token survives.
func (m *Manager) LoginStored(ctx context.Context) error {
	username, _ := m.db.GetSetting(settingUsername)
	sealed, _ := m.db.GetSetting(settingPassword)
	if username == "" || sealed == "" {
		return ErrNoCredentials
	}
	password, err := m.vault.Open(sealed)
	if err != nil {
		log.Warn().Err(err).Msg("stored password unreadable, dropping credentials")
		m.dropCredentials()
		return ErrNoCredentials
	}
	return m.Login(ctx, username, password)
}

const (
	settingUsername = "account.username"
	settingPassword = "account.password"
)

func (m *Manager) storeCredentials(username, password string) {
	sealed, err := m.vault.Seal(password)
	if err != nil {
		log.Error().Err(err).Msg("failed to seal password, not storing credentials")
		return
	}
	if err := m.db.SetSetting(settingUsername, username); err != nil {
		log.Error().Err(err).Msg("failed to store username")
		return
	}
	if err := m.db.SetSetting(settingPassword, sealed); err != nil {
		log.Error().Err(err).Msg("failed to store password")
	}
}

func (m *Manager) dropCredentials() {
	if err := m.db.SetSetting(settingUsername, ""); err != nil {
		log.Error().Err(err).Msg("failed to clear stored username")
	}
	if err := m.db.SetSetting(settingPassword, ""); err != nil {
		log.Error().Err(err).Msg("failed to clear stored password")
	}
}

// SwitchProfile re-grants the session scoped to the given profile and makes
// it the active profile.
func (m *Manager) SwitchProfile(ctx context.Context, profileID string) error {
	m.mu.Lock()
	refresh := m.refreshToken
	m.mu.Unlock()
	if refresh == "" {
		return ErrNoSession
	}

	form := url.Values{}
	form.Set("refresh_token", refresh)
	form.Set("grant_type", "refresh_token_profile_id")
	form.Set("profile_id", profileID)
	if err := m.grant(ctx, KindDevice, form); err != nil {
		return err
	}

	// The grant response does not carry profile details; fetch the listing
	// and pin the requested profile.
	profiles, err := m.Profiles(ctx)
	if err != nil {
		return err
	}
	for i := range profiles {
		if profiles[i].ProfileID == profileID {
			m.setProfile(&profiles[i])
			return nil
		}
	}
	return fmt.Errorf("profile %s not in account listing", profileID)
}

// EstablishFromToken finalizes a session from a token obtained outside the
// ordinary grant path, such as the device activation flow.
func (m *Manager) EstablishFromToken(ctx context.Context, tok *api.TokenResponse) error {
	return m.finalize(ctx, tok, KindDevice)
}

// grant posts one token request and finalizes the session from the response.
// HTTP 400 means the grant is dead: the stored session is cleared and the
// consecutive failure counter advances toward AuthExhausted.
func (m *Manager) grant(ctx context.Context, kind string, form url.Values) error {
	form.Set("device_id", m.cfg.DeviceID)
	form.Set("device_name", m.cfg.DeviceName)
	form.Set("device_type", m.cfg.DeviceType)

	var tok api.TokenResponse
	err := m.client.Do(ctx, api.Request{
		Method:    "POST",
		URL:       m.eps.token,
		Form:      form,
		BasicAuth: m.cfg.BasicAuth(kind),
		UserAgent: m.cfg.UserAgent(kind),
	}, &tok)
	if err != nil {
		switch status := api.HTTPStatus(err); {
		case status == 400:
			log.Warn().Str("grant", form.Get("grant_type")).Msg("token grant rejected, clearing session")
			m.clear()
			m.mu.Lock()
			m.retries++
			exhausted := m.retries > maxTokenRetries
			m.mu.Unlock()
			if exhausted {
				return api.NewAuthError(api.AuthExhausted, "token grant rejected repeatedly")
			}
			if api.IsAuthError(err, api.InvalidCredentials) && form.Get("grant_type") == "password" {
				return err
			}
			return ErrNoSession
		case status == 403:
			if s := m.client.Solver(); s != nil {
				s.Invalidate()
			}
			return &api.AuthError{Kind: api.ChallengeBlocked, Status: 403, Msg: "token request blocked"}
		default:
			return err
		}
	}
	return m.finalize(ctx, &tok, kind)
}

// finalize installs the token, fetches index credentials and the profile
// listing, and persists everything. A successful finalize resets the failure
// counter.
func (m *Manager) finalize(ctx context.Context, tok *api.TokenResponse, kind string) error {
	expires := m.clock.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)

	m.mu.Lock()
	m.state = State{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Expires:     expires,
		AccountID:   tok.AccountID,
		ExternalID:  tok.ProfileID,
		ClientKind:  kind,
	}
	if tok.RefreshToken != "" {
		m.refreshToken = tok.RefreshToken
	}
	m.mu.Unlock()

	var index api.IndexResponse
	if err := m.AuthorizedRequest(ctx, api.Request{URL: m.eps.index}, &index); err != nil {
		return fmt.Errorf("fetching index: %w", err)
	}
	m.mu.Lock()
	m.state.CMS = index.CMS
	m.mu.Unlock()

	// Profile listing is best effort. A session without profile details is
	// still usable for playback.
	if tok.AccountID != "" {
		if err := m.selectProfile(ctx, tok.AccountID); err != nil {
			log.Warn().Err(err).Msg("profile selection failed")
		}
	}

	if err := m.persist(); err != nil {
		return err
	}

	m.mu.Lock()
	m.retries = 0
	m.mu.Unlock()
	log.Info().Str("client", kind).Time("expires", expires).Msg("session established")
	return nil
}

// selectProfile fetches the multiprofile listing and keeps whichever profile
// is marked selected, falling back to the first.
func (m *Manager) selectProfile(ctx context.Context, accountID string) error {
	var resp api.ProfilesResponse
	err := m.AuthorizedRequest(ctx, api.Request{URL: fmt.Sprintf(m.eps.profiles, accountID)}, &resp)
	if err != nil {
		return err
	}
	if len(resp.Profiles) == 0 {
		return nil
	}
	selected := resp.Profiles[0]
	for _, p := range resp.Profiles {
		if p.IsSelected {
			selected = p
			break
		}
	}

	// Profile-by-id fills fields the listing omits; ignore failures.
	var full api.Profile
	err = m.AuthorizedRequest(ctx, api.Request{
		URL: fmt.Sprintf(m.eps.profileByID, accountID, selected.ProfileID),
	}, &full)
	if err == nil && full.ProfileID != "" {
		selected = full
	}

	m.setProfile(&selected)
	return nil
}

func (m *Manager) setProfile(p *api.Profile) {
	m.mu.Lock()
	m.profile = p
	m.mu.Unlock()
	err := m.db.SaveProfile(&database.ProfileRow{
		ProfileID:        p.ProfileID,
		ProfileName:      p.ProfileName,
		Username:         p.Username,
		Avatar:           p.Avatar,
		AudioLanguage:    p.AudioLanguage,
		SubtitleLanguage: p.SubtitleLanguage,
		MaturityRating:   p.MaturityRating,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to persist profile")
	}
}

// Profiles lists every profile on the account.
func (m *Manager) Profiles(ctx context.Context) ([]api.Profile, error) {
	m.mu.Lock()
	accountID := m.state.AccountID
	m.mu.Unlock()
	if accountID == "" {
		return nil, ErrNoSession
	}
	var resp api.ProfilesResponse
	err := m.AuthorizedRequest(ctx, api.Request{URL: fmt.Sprintf(m.eps.profiles, accountID)}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Profiles, nil
}

// persist writes the session to the database with the refresh token sealed.
func (m *Manager) persist() error {
	m.mu.Lock()
	state := m.state
	refresh := m.refreshToken
	m.mu.Unlock()

	sealed, err := m.vault.Seal(refresh)
	if err != nil {
		return fmt.Errorf("sealing refresh token: %w", err)
	}
	return m.db.SaveSession(&database.SessionRow{
		AccessToken:        state.AccessToken,
		SealedRefreshToken: sealed,
		TokenType:          state.TokenType,
		Expires:            crtime.Format(state.Expires),
		AccountID:          state.AccountID,
		ExternalID:         state.ExternalID,
		ClientKind:         state.ClientKind,
		CMSBucket:          state.CMS.Bucket,
		CMSPolicy:          state.CMS.Policy,
		CMSSignature:       state.CMS.Signature,
		CMSKeyPairID:       state.CMS.KeyPairID,
	})
}

// AuthorizedRequest runs req with the session's authorization attached.
// Expired tokens refresh before the request goes out. A 401 response forces
// one refresh and one retry; a second 401 is DoubleAuthFailure. Requests
// against /cms/ paths get the signed-URL parameters appended.
func (m *Manager) AuthorizedRequest(ctx context.Context, req api.Request, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		m.mu.Lock()
		state := m.state
		m.mu.Unlock()
		if state.AccessToken == "" {
			return ErrNoSession
		}

		if !state.Expires.IsZero() && m.clock.Now().After(state.Expires) && m.refreshTokenSet() {
			if err := m.Refresh(ctx); err != nil {
				return err
			}
			m.mu.Lock()
			state = m.state
			m.mu.Unlock()
		}

		authed := req
		authed.Bearer = state.Authorization()
		if authed.UserAgent == "" {
			if strings.Contains(req.URL, "playback/v2") {
				authed.UserAgent = m.cfg.UserAgent(KindDevice)
			} else {
				authed.UserAgent = m.cfg.UserAgent(state.ClientKind)
			}
		}
		if strings.Contains(req.URL, api.CMSPathMarker) {
			q := url.Values{}
			for k, vs := range req.Query {
				q[k] = vs
			}
			q.Set("Policy", state.CMS.Policy)
			q.Set("Signature", state.CMS.Signature)
			q.Set("Key-Pair-Id", state.CMS.KeyPairID)
			authed.Query = q
		}

		err := m.client.Do(ctx, authed, out)
		if api.HTTPStatus(err) != 401 {
			return err
		}
		if attempt > 0 {
			break
		}

		// The token was rejected before its local deadline, likely clock
		// skew. Force a refresh and retry exactly once.
		log.Warn().Str("url", req.URL).Msg("request got 401, refreshing session for retry")
		if rerr := m.Refresh(ctx); rerr != nil {
			return rerr
		}
	}
	return api.NewAuthError(api.DoubleAuthFailure, "request failed twice with 401")
}

func (m *Manager) refreshTokenSet() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshToken != ""
}

// Destroy drops the session from memory and storage, stored credentials
// included.
func (m *Manager) Destroy() {
	m.clear()
	m.dropCredentials()
	m.mu.Lock()
	m.retries = 0
	m.mu.Unlock()
}

func (m *Manager) clear() {
	m.mu.Lock()
	m.state = State{}
	m.refreshToken = ""
	m.profile = nil
	m.mu.Unlock()
	m.clearStored()
}

func (m *Manager) clearStored() {
	if err := m.db.DeleteSession(); err != nil {
		log.Error().Err(err).Msg("failed to delete stored session")
	}
	if err := m.db.DeleteProfile(); err != nil {
		log.Error().Err(err).Msg("failed to delete stored profile")
	}
}

// AnonymousToken obtains an access token with no account attached. It is not
// usable for content; establishing one warms the anti-bot gate before
// activation.
func (m *Manager) AnonymousToken(ctx context.Context) (*api.TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "client_id")
	form.Set("scope", "offline_access")
	form.Set("client_id", m.cfg.DeviceClientID)
	form.Set("client_secret", m.cfg.DeviceClientSecret)

	var tok api.TokenResponse
	err := m.client.Do(ctx, api.Request{
		Method:    "POST",
		URL:       m.eps.token,
		Form:      form,
		Header:    http.Header{"Etp-Anonymous-Id": {uuid.NewString()}},
		UserAgent: m.cfg.UserAgent(KindDevice),
	}, &tok)
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// RequestDeviceTicket asks for a new activation pairing code.
func (m *Manager) RequestDeviceTicket(ctx context.Context) (*api.DeviceCodeResponse, error) {
	var ticket api.DeviceCodeResponse
	err := m.client.Do(ctx, api.Request{
		Method:    "POST",
		URL:       m.eps.deviceCode,
		Form:      url.Values{},
		BasicAuth: m.cfg.BasicAuth(KindDevice),
		UserAgent: m.cfg.UserAgent(KindDevice),
	}, &ticket)
	if err != nil {
		return nil, &api.AuthError{
			Kind:   api.DeviceCodeUnavailable,
			Status: api.HTTPStatus(err),
			Msg:    err.Error(),
		}
	}
	if ticket.UserCode == "" || ticket.DeviceCode == "" {
		return nil, api.NewAuthError(api.DeviceCodeUnavailable, "empty pairing ticket")
	}
	return &ticket, nil
}

// PollDeviceToken checks once whether the user has entered the pairing code.
// It returns (nil, nil) while activation is still pending; API rejections are
// pending by definition until the ticket expires.
func (m *Manager) PollDeviceToken(ctx context.Context, deviceCode string) (*api.TokenResponse, error) {
	var tok api.TokenResponse
	err := m.client.Do(ctx, api.Request{
		Method:    "POST",
		URL:       m.eps.deviceToken,
		JSON:      map[string]string{"device_code": deviceCode},
		BasicAuth: m.cfg.BasicAuth(KindDevice),
		UserAgent: m.cfg.UserAgent(KindDevice),
	}, &tok)
	if err != nil {
		var te *api.TransportError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, nil
	}
	return &tok, nil
}
