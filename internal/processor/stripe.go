package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Stripe implements Processor and AccountProvider on Stripe Connect.
// Charges settle to the platform balance; seller payouts are separate
// transfers tagged with the listing as transfer group.
type Stripe struct {
	api           *client.API
	webhookSecret string
	country       string
}

// NewStripe builds an adapter around its own API client.
func NewStripe(secretKey, webhookSecret, country string) *Stripe {
	return &Stripe{
		api:           client.New(secretKey, nil),
		webhookSecret: webhookSecret,
		country:       country,
	}
}

func (s *Stripe) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if g := req.Metadata["listing_id"]; g != "" {
		params.TransferGroup = stripe.String(g)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata("platform_fee_cents", fmt.Sprint(req.PlatformFeeCents))
	params.AddMetadata("destination_account", req.DestinationAccount)
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return Session{}, wrapStripe("create_session", err)
	}
	return Session{Ref: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *Stripe) SessionStatus(ctx context.Context, sessionRef string) (SessionStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(sessionRef, params)
	if err != nil {
		return "", wrapStripe("session_status", err)
	}
	return mapIntentStatus(pi), nil
}

func mapIntentStatus(pi *stripe.PaymentIntent) SessionStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return SessionSucceeded
	case stripe.PaymentIntentStatusProcessing:
		return SessionProcessing
	case stripe.PaymentIntentStatusCanceled:
		return SessionCanceled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// a declined attempt leaves the intent here with the error attached
		if pi.LastPaymentError != nil {
			return SessionFailed
		}
		return SessionOpen
	default:
		return SessionOpen
	}
}

func (s *Stripe) CancelSession(ctx context.Context, sessionRef string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(sessionRef, params)
	if err != nil {
		var se *stripe.Error
		// already canceled or otherwise terminal
		if errors.As(err, &se) && se.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			return nil
		}
		return wrapStripe("cancel_session", err)
	}
	return nil
}

func (s *Stripe) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.DestinationAccount),
	}
	if req.Group != "" {
		params.TransferGroup = stripe.String(req.Group)
	}
	if charge := s.latestCharge(ctx, req.SessionRef); charge != "" {
		params.SourceTransaction = stripe.String(charge)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return "", wrapStripe("transfer", err)
	}
	return tr.ID, nil
}

func (s *Stripe) latestCharge(ctx context.Context, sessionRef string) string {
	if sessionRef == "" {
		return ""
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(sessionRef, params)
	if err != nil || pi.LatestCharge == nil {
		return ""
	}
	return pi.LatestCharge.ID
}

func (s *Stripe) Refund(ctx context.Context, sessionRef, idempotencyKey string) (string, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(sessionRef)}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	rf, err := s.api.Refunds.New(params)
	if err != nil {
		return "", wrapStripe("refund", err)
	}
	return rf.ID, nil
}

func (s *Stripe) ParseEvent(payload []byte, signature string) (Event, error) {
	// the endpoint may be pinned to a different API version than the SDK;
	// only the fields read below matter
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out := Event{ID: ev.ID, Kind: EventIgnored}
	switch string(ev.Type) {
	case "payment_intent.succeeded":
		out.Kind = EventPaymentSucceeded
	case "payment_intent.processing":
		out.Kind = EventPaymentProcessing
	case "payment_intent.payment_failed":
		out.Kind = EventPaymentFailed
	case "payment_intent.canceled":
		out.Kind = EventPaymentCanceled
	case "account.updated":
		var acct stripe.Account
		if err := json.Unmarshal(ev.Data.Raw, &acct); err != nil {
			return Event{}, &Error{Op: "parse_event", Permanent: true, Err: err}
		}
		out.Kind = EventAccountUpdated
		out.AccountRef = acct.ID
		return out, nil
	default:
		return out, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return Event{}, &Error{Op: "parse_event", Permanent: true, Err: err}
	}
	out.SessionRef = pi.ID
	return out, nil
}

func (s *Stripe) CreateAccount(ctx context.Context, ownerID, email string) (string, error) {
	params := &stripe.AccountParams{
		Type:    stripe.String(string(stripe.AccountTypeExpress)),
		Country: stripe.String(s.country),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata("seller_id", ownerID)
	params.Context = ctx
	params.SetIdempotencyKey("account-" + ownerID)
	acct, err := s.api.Accounts.New(params)
	if err != nil {
		return "", wrapStripe("create_account", err)
	}
	return acct.ID, nil
}

func (s *Stripe) GetAccount(ctx context.Context, accountRef string) (AccountInfo, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := s.api.Accounts.GetByID(accountRef, params)
	if err != nil {
		return AccountInfo{}, wrapStripe("get_account", err)
	}
	return AccountInfo{Ref: acct.ID, PayoutCapable: acct.PayoutsEnabled && acct.ChargesEnabled}, nil
}

func (s *Stripe) CreateOnboardingLink(ctx context.Context, accountRef, returnURL, refreshURL string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountRef),
		ReturnURL:  stripe.String(returnURL),
		RefreshURL: stripe.String(refreshURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx
	link, err := s.api.AccountLinks.New(params)
	if err != nil {
		return "", wrapStripe("onboarding_link", err)
	}
	return link.URL, nil
}

// wrapStripe classifies API errors: client errors other than rate limits
// and idempotency collisions are permanent.
func wrapStripe(op string, err error) error {
	permanent := false
	var se *stripe.Error
	if errors.As(err, &se) {
		code := se.HTTPStatusCode
		permanent = code >= 400 && code < 500 &&
			code != http.StatusTooManyRequests && code != http.StatusConflict
		if code == http.StatusNotFound {
			err = fmt.Errorf("%w: %s", ErrUnknownSession, se.Msg)
		}
	}
	return &Error{Op: op, Permanent: permanent, Err: err}
}
