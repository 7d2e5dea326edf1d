package processor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Sandbox is an in-memory processor for development and tests.  Sessions
// stay open until Complete, Fail or CancelSession is called; webhook
// payloads are JSON signed with HMAC-SHA256 over the body.
type Sandbox struct {
	secret string

	mu        sync.Mutex
	sessions  map[string]*sandboxSession
	accounts  map[string]bool // ref -> payout capable
	byOwner   map[string]string
	transfers map[string]string // idempotency key -> transfer id
	refunds   map[string]string // session ref -> refund id
	fail      map[string]error  // op -> injected error, consumed once
}

type sandboxSession struct {
	req    SessionRequest
	status SessionStatus
}

type sandboxEvent struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"type"`
	SessionRef string    `json:"session_ref,omitempty"`
	AccountRef string    `json:"account_ref,omitempty"`
}

// NewSandbox returns an empty sandbox signing webhooks with secret.
func NewSandbox(secret string) *Sandbox {
	return &Sandbox{
		secret:    secret,
		sessions:  map[string]*sandboxSession{},
		accounts:  map[string]bool{},
		byOwner:   map[string]string{},
		transfers: map[string]string{},
		refunds:   map[string]string{},
		fail:      map[string]error{},
	}
}

// FailNext makes the next call of op return err.
func (s *Sandbox) FailNext(op string, err error) {
	s.mu.Lock()
	s.fail[op] = err
	s.mu.Unlock()
}

func (s *Sandbox) injected(op string) error {
	if err, ok := s.fail[op]; ok {
		delete(s.fail, op)
		return err
	}
	return nil
}

func (s *Sandbox) CreateSession(_ context.Context, req SessionRequest) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("create_session"); err != nil {
		return Session{}, err
	}
	ref := "sbx_pi_" + uuid.NewString()
	s.sessions[ref] = &sandboxSession{req: req, status: SessionOpen}
	return Session{Ref: ref, ClientSecret: ref + "_secret"}, nil
}

func (s *Sandbox) SessionStatus(_ context.Context, sessionRef string) (SessionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("session_status"); err != nil {
		return "", err
	}
	sess, ok := s.sessions[sessionRef]
	if !ok {
		return "", ErrUnknownSession
	}
	return sess.status, nil
}

func (s *Sandbox) CancelSession(_ context.Context, sessionRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("cancel_session"); err != nil {
		return err
	}
	sess, ok := s.sessions[sessionRef]
	if !ok {
		return ErrUnknownSession
	}
	if !sess.status.Terminal() {
		sess.status = SessionCanceled
	}
	return nil
}

func (s *Sandbox) Transfer(_ context.Context, req TransferRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("transfer"); err != nil {
		return "", err
	}
	if id, ok := s.transfers[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return id, nil
	}
	if capable, ok := s.accounts[req.DestinationAccount]; !ok || !capable {
		return "", &Error{Op: "transfer", Permanent: true, Err: fmt.Errorf("account %s cannot receive payouts", req.DestinationAccount)}
	}
	id := "sbx_tr_" + uuid.NewString()
	if req.IdempotencyKey != "" {
		s.transfers[req.IdempotencyKey] = id
	}
	return id, nil
}

// TransferCount reports how many distinct transfers were made.
func (s *Sandbox) TransferCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers)
}

func (s *Sandbox) Refund(_ context.Context, sessionRef, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("refund"); err != nil {
		return "", err
	}
	sess, ok := s.sessions[sessionRef]
	if !ok {
		return "", ErrUnknownSession
	}
	if sess.status != SessionSucceeded {
		return "", &Error{Op: "refund", Permanent: true, Err: fmt.Errorf("session %s is %s", sessionRef, sess.status)}
	}
	if id, ok := s.refunds[sessionRef]; ok {
		return id, nil
	}
	id := "sbx_re_" + uuid.NewString()
	s.refunds[sessionRef] = id
	return id, nil
}

// Refunded reports whether a session was refunded.
func (s *Sandbox) Refunded(sessionRef string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.refunds[sessionRef]
	return ok
}

// Complete marks a session paid, as the buyer finishing checkout would.
func (s *Sandbox) Complete(sessionRef string) error { return s.settle(sessionRef, SessionSucceeded) }

// Fail marks a session declined.
func (s *Sandbox) Fail(sessionRef string) error { return s.settle(sessionRef, SessionFailed) }

func (s *Sandbox) settle(sessionRef string, to SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionRef]
	if !ok {
		return ErrUnknownSession
	}
	if sess.status.Terminal() {
		return fmt.Errorf("session %s already %s", sessionRef, sess.status)
	}
	sess.status = to
	return nil
}

// Sign produces a webhook body and signature for ev.
func (s *Sandbox) Sign(ev Event) ([]byte, string, error) {
	if ev.ID == "" {
		ev.ID = "sbx_evt_" + uuid.NewString()
	}
	body, err := json.Marshal(sandboxEvent{ID: ev.ID, Kind: ev.Kind, SessionRef: ev.SessionRef, AccountRef: ev.AccountRef})
	if err != nil {
		return nil, "", err
	}
	return body, s.signature(body), nil
}

func (s *Sandbox) signature(body []byte) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Sandbox) ParseEvent(payload []byte, signature string) (Event, error) {
	if !hmac.Equal([]byte(s.signature(payload)), []byte(signature)) {
		return Event{}, ErrInvalidSignature
	}
	var ev sandboxEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, &Error{Op: "parse_event", Permanent: true, Err: err}
	}
	switch ev.Kind {
	case EventPaymentSucceeded, EventPaymentProcessing, EventPaymentFailed, EventPaymentCanceled, EventAccountUpdated:
	default:
		ev.Kind = EventIgnored
	}
	return Event{ID: ev.ID, Kind: ev.Kind, SessionRef: ev.SessionRef, AccountRef: ev.AccountRef}, nil
}

func (s *Sandbox) CreateAccount(_ context.Context, ownerID, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("create_account"); err != nil {
		return "", err
	}
	if ref, ok := s.byOwner[ownerID]; ok {
		return ref, nil
	}
	ref := "sbx_acct_" + uuid.NewString()
	s.byOwner[ownerID] = ref
	s.accounts[ref] = false
	return ref, nil
}

func (s *Sandbox) GetAccount(_ context.Context, accountRef string) (AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("get_account"); err != nil {
		return AccountInfo{}, err
	}
	capable, ok := s.accounts[accountRef]
	if !ok {
		return AccountInfo{}, ErrUnknownAccount
	}
	return AccountInfo{Ref: accountRef, PayoutCapable: capable}, nil
}

func (s *Sandbox) CreateOnboardingLink(_ context.Context, accountRef, returnURL, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountRef]; !ok {
		return "", ErrUnknownAccount
	}
	return returnURL + "?sandbox_account=" + accountRef, nil
}

// SetPayoutCapable flips an account's capability, as finishing onboarding
// would.
func (s *Sandbox) SetPayoutCapable(accountRef string, capable bool) {
	s.mu.Lock()
	s.accounts[accountRef] = capable
	s.mu.Unlock()
}
