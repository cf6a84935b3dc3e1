// Package flow implements the guided setup, reauthentication and options
// screens for Mobile Link entries. Each flow is a small state machine held in
// memory; the HTTP API drives it one step at a time.
package flow

import (
	"cmp"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/mobilelink"
	"github.com/raterudder/mobilelink/pkg/secret"
	"github.com/raterudder/mobilelink/pkg/storage"
	"github.com/raterudder/mobilelink/pkg/types"
)

// DefaultTTL is how long an untouched flow is kept.
const DefaultTTL = 30 * time.Minute

// Kind is the handler a flow belongs to.
type Kind string

const (
	KindConfig  Kind = "config"
	KindReauth  Kind = "reauth"
	KindOptions Kind = "options"
)

// StepID names a form.
type StepID string

const (
	StepUser          StepID = "user"
	StepCredentials   StepID = "credentials"
	StepCookie        StepID = "cookie"
	StepSelectTanks   StepID = "select_tanks"
	StepReauthConfirm StepID = "reauth_confirm"
	StepSelect        StepID = "select"
)

// ResultType says what the caller should do with a Result.
type ResultType string

const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
	ResultAbort       ResultType = "abort"
)

// Abort reasons.
const (
	AbortNoTanks           = "no_tanks"
	AbortAlreadyConfigured = "already_configured"
	AbortReauthSuccessful  = "reauth_successful"
	AbortUnknownFlow       = "unknown_flow"
	AbortUnknownEntry      = "unknown_entry"
)

// Form error reasons. errorBase is the key used for errors not tied to a
// single field.
const (
	errorBase = "base"

	ErrorInvalidAuth           = "invalid_auth"
	ErrorPasswordResetRequired = "password_reset_required"
	ErrorAccountLocked         = "account_locked"
	ErrorBotBlock              = "bot_block"
	ErrorAccessDenied          = "access_denied"
	ErrorCannotConnect         = "cannot_connect"
	ErrorInvalidAuthMethod     = "invalid_auth_method"
	ErrorInvalidSelection      = "invalid_selection"
)

// Field names shared by the forms and Input.
const (
	FieldAuthMethod    = "auth_method"
	FieldEmail         = "email"
	FieldPassword      = "password"
	FieldCookieHeader  = "cookie_header"
	FieldSelectedTanks = "selected_tanks"

	FieldCreateLastReading = "create_last_reading_sensor"
	FieldCreateCapacity    = "create_capacity_sensor"
	FieldCreateBattery     = "create_battery_sensor"
	FieldCreateStatus      = "create_status_sensor"
)

// Option is one choice of a select field.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Field describes one input of a form.
type Field struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Multiple bool     `json:"multiple,omitempty"`
	Default  any      `json:"default,omitempty"`
	Options  []Option `json:"options,omitempty"`
}

// Result is returned for every step.
type Result struct {
	FlowID string     `json:"flowID,omitempty"`
	Kind   Kind       `json:"kind"`
	Type   ResultType `json:"type"`

	StepID       StepID            `json:"stepID,omitempty"`
	Schema       []Field           `json:"dataSchema,omitempty"`
	Errors       map[string]string `json:"errors,omitempty"`
	Placeholders map[string]string `json:"descriptionPlaceholders,omitempty"`

	Reason  string `json:"reason,omitempty"`
	EntryID string `json:"entryID,omitempty"`
	Title   string `json:"title,omitempty"`
}

// Input is the user's answer to a form. Only the fields of the current step
// are read.
type Input struct {
	AuthMethod    types.AuthMode `json:"auth_method,omitempty"`
	Email         string         `json:"email,omitempty"`
	Password      string         `json:"password,omitempty"`
	CookieHeader  string         `json:"cookie_header,omitempty"`
	SelectedTanks []string       `json:"selected_tanks,omitempty"`

	types.SensorOptions
}

// Loader loads or reloads an entry so its changes take effect.
type Loader interface {
	Load(ctx context.Context, entry types.Entry) error
}

// Manager holds the flows in progress.
type Manager struct {
	sessions *mobilelink.Map
	db       storage.Database
	box      *secret.Box
	loader   Loader

	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	flows map[string]*flow
}

type flow struct {
	// mu is held while a step runs, steps can take several seconds
	mu sync.Mutex

	id      string
	kind    Kind
	step    StepID
	entryID string
	touched time.Time
	last    Result

	creds           types.Credentials
	uniqueID        string
	tanks           []types.Tank
	lastErrorDetail string
}

// New returns a Manager.
func New(sessions *mobilelink.Map, db storage.Database, box *secret.Box, loader Loader) *Manager {
	return &Manager{
		sessions: sessions,
		db:       db,
		box:      box,
		loader:   loader,
		ttl:      DefaultTTL,
		now:      time.Now,
		flows:    make(map[string]*flow),
	}
}

// Configure submits input to the current step of a flow. An unknown or
// expired flow aborts with unknown_flow.
func (m *Manager) Configure(ctx context.Context, flowID string, input Input) (Result, error) {
	f, ok := m.get(flowID)
	if !ok {
		return Result{FlowID: flowID, Type: ResultAbort, Reason: AbortUnknownFlow}, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	ctx = log.WithAttrs(ctx, slog.String("flowID", f.id), slog.String("step", string(f.step)))

	var res Result
	var err error
	switch f.step {
	case StepUser:
		res, err = m.stepUser(ctx, f, input)
	case StepCredentials:
		res, err = m.stepCredentials(ctx, f, input)
	case StepCookie:
		res, err = m.stepCookie(ctx, f, input)
	case StepSelectTanks:
		res, err = m.stepSelectTanks(ctx, f, input)
	case StepReauthConfirm:
		res, err = m.stepReauthConfirm(ctx, f, input)
	case StepSelect:
		res, err = m.stepSelect(ctx, f, input)
	default:
		err = errors.New("flow is in an unknown step: " + string(f.step))
	}
	if err != nil {
		return Result{}, err
	}
	return m.finish(f, res), nil
}

// Get returns the current form of a flow.
func (m *Manager) Get(flowID string) (Result, bool) {
	f, ok := m.get(flowID)
	if !ok {
		return Result{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, true
}

// Progress returns the current form of every flow in progress, oldest first.
func (m *Manager) Progress() []Result {
	type pending struct {
		f       *flow
		touched time.Time
	}
	m.mu.Lock()
	m.pruneLocked()
	flows := make([]pending, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, pending{f: f, touched: f.touched})
	}
	m.mu.Unlock()

	slices.SortFunc(flows, func(a, b pending) int {
		return cmp.Or(a.touched.Compare(b.touched), strings.Compare(a.f.id, b.f.id))
	})
	results := make([]Result, 0, len(flows))
	for _, p := range flows {
		p.f.mu.Lock()
		results = append(results, p.f.last)
		p.f.mu.Unlock()
	}
	return results
}

// Abort drops a flow. It returns false if there was no such flow.
func (m *Manager) Abort(flowID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.flows[flowID]
	delete(m.flows, flowID)
	return ok
}

func (m *Manager) get(flowID string) (*flow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	f, ok := m.flows[flowID]
	if ok {
		f.touched = m.now()
	}
	return f, ok
}

// add registers a new flow and returns it locked.
func (m *Manager) add(kind Kind, step StepID, entryID string) *flow {
	f := &flow{
		id:      newID(),
		kind:    kind,
		step:    step,
		entryID: entryID,
		touched: m.now(),
	}
	f.mu.Lock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	m.flows[f.id] = f
	return f
}

func (m *Manager) pruneLocked() {
	cutoff := m.now().Add(-m.ttl)
	for id, f := range m.flows {
		if f.touched.Before(cutoff) {
			delete(m.flows, id)
		}
	}
}

// finish stamps the flow id on the result and forgets the flow once it is
// done. The caller holds f.mu.
func (m *Manager) finish(f *flow, res Result) Result {
	res.FlowID = f.id
	res.Kind = f.kind
	if res.Type == ResultForm {
		f.step = res.StepID
		f.last = res
		return res
	}
	m.Abort(f.id)
	return res
}

func form(step StepID, schema []Field, errs map[string]string, placeholders map[string]string) Result {
	return Result{
		Type:         ResultForm,
		StepID:       step,
		Schema:       schema,
		Errors:       errs,
		Placeholders: placeholders,
	}
}

func abort(reason string) Result {
	return Result{Type: ResultAbort, Reason: reason}
}

// errorReason maps a login or discovery error onto a form error.
func errorReason(err error) string {
	ae, ok := mobilelink.AsAuthError(err)
	if !ok {
		return ErrorCannotConnect
	}
	switch ae.Code {
	case mobilelink.CodeInvalidCredentials, mobilelink.CodeSessionExpired:
		return ErrorInvalidAuth
	case mobilelink.CodePasswordResetRequired:
		return ErrorPasswordResetRequired
	case mobilelink.CodeAccountLocked:
		return ErrorAccountLocked
	case mobilelink.CodeBotBlock:
		return ErrorBotBlock
	case mobilelink.CodeAccessDenied:
		return ErrorAccessDenied
	default:
		return ErrorCannotConnect
	}
}

// errorDetail is shown next to the form so the user can tell a typo from a
// captcha wall.
func errorDetail(err error) string {
	if ae, ok := mobilelink.AsAuthError(err); ok {
		return ae.Short() + ": " + ae.Detail()
	}
	return "unexpected: " + err.Error()
}

func newID() string {
	b := make([]byte, 16)
	// crypto/rand.Read never returns an error
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
