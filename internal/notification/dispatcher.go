// Package notification turns workflow events into SMS messages. Delivery
// failures stay inside the package: they are logged, recorded on the request's
// sms_status map and returned in a Result, never raised to the workflow.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ictaccess/internal/event"
	"ictaccess/internal/model"
	"ictaccess/internal/policy"
	"ictaccess/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRateLimited = errors.New("hourly sms limit reached for number")
	ErrNoPhone     = errors.New("recipient has no phone number")
)

// Config is the dispatch side of the notification settings.
type Config struct {
	Enabled        bool
	RatePerHour    int
	MaxBulkSize    int
	MaxConcurrency int
	SendTimeout    time.Duration
	// RetryAttempts and RetryBackoff describe when a failed event may be
	// handed back. The dispatcher itself sends once per recipient.
	RetryAttempts int
	RetryBackoff  []time.Duration
}

// retrySchedule spreads RetryAttempts over RetryBackoff, repeating the last
// delay when there are more attempts than delays.
func (c Config) retrySchedule() []time.Duration {
	if c.RetryAttempts <= 0 || len(c.RetryBackoff) == 0 {
		return nil
	}
	out := make([]time.Duration, c.RetryAttempts)
	for i := range out {
		out[i] = c.RetryBackoff[min(i, len(c.RetryBackoff)-1)]
	}
	return out
}

// NotificationFailure describes one recipient that did not get its message.
type NotificationFailure struct {
	Event     event.Kind
	RequestID uuid.UUID
	Recipient string
	Phone     string
	Err       error
}

func (f *NotificationFailure) Error() string {
	return fmt.Sprintf("notify %s for %s event on request %s (%s): %v", f.Recipient, f.Event, f.RequestID, f.Phone, f.Err)
}

func (f *NotificationFailure) Unwrap() error { return f.Err }

// Retryable is false when resending cannot help: the recipient has no number.
func (f *NotificationFailure) Retryable() bool {
	return !errors.Is(f.Err, ErrNoPhone)
}

// Result is the outcome of handling one event.
type Result struct {
	Skipped    string
	Deliveries map[string]model.SMSDelivery
	Failures   []*NotificationFailure
	// RetryIn lists the delays after which the event may be handled again.
	// Empty when nothing failed or no failure is retryable.
	RetryIn []time.Duration
}

// Err joins every failure, or returns nil when all recipients were reached.
func (r Result) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

type DispatcherDeps struct {
	Config   Config
	Gateway  Gateway
	Requests repository.RequestRepository
	Users    repository.UserRepository
	SMSLogs  repository.SMSLogRepository
	Policy   *policy.Policy
	Logger   *logrus.Logger
}

type Dispatcher struct {
	cfg      Config
	gateway  Gateway
	requests repository.RequestRepository
	users    repository.UserRepository
	smsLogs  repository.SMSLogRepository
	policy   *policy.Policy
	logger   *logrus.Logger
	now      func() time.Time
}

func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	cfg := deps.Config
	if cfg.MaxBulkSize <= 0 {
		cfg.MaxBulkSize = 100
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		gateway:  deps.Gateway,
		requests: deps.Requests,
		users:    deps.Users,
		smsLogs:  deps.SMSLogs,
		policy:   deps.Policy,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

// batch is one message addressed to the recipients stored under key.
type batch struct {
	key        string
	template   string
	message    string
	recipients []model.User
}

// Handle adapts OnEvent to the event queue.
func (d *Dispatcher) Handle(ctx context.Context, ev event.WorkflowEvent) {
	res := d.OnEvent(ctx, ev)
	entry := d.logger.WithFields(logrus.Fields{
		"event":      ev.Kind,
		"request_id": ev.RequestID,
		"operation":  "OnEvent",
	})
	if res.Skipped != "" {
		entry.WithField("reason", res.Skipped).Debug("Notification skipped")
		return
	}
	fields := logrus.Fields{
		"recipients": len(res.Deliveries),
		"failures":   len(res.Failures),
	}
	if len(res.RetryIn) > 0 {
		fields["retry_in"] = res.RetryIn
	}
	entry.WithFields(fields).Info("Notifications dispatched")
}

// OnEvent sends the messages ev calls for and records the outcome per
// recipient group. It may be invoked again for the same event.
func (d *Dispatcher) OnEvent(ctx context.Context, ev event.WorkflowEvent) Result {
	if !d.cfg.Enabled {
		return Result{Skipped: "notifications disabled"}
	}
	// Device bookings are announced by their own booking flow.
	if ev.RequestType == model.RequestTypeDeviceBooking {
		return Result{Skipped: "device booking"}
	}

	res := Result{Deliveries: make(map[string]model.SMSDelivery)}
	req, err := d.requests.FindByID(ctx, ev.RequestID)
	if err != nil {
		res.Failures = append(res.Failures, d.fail(ev, model.RecipientRequester, "", fmt.Errorf("load request: %w", err)))
		return d.withRetry(res)
	}
	if req.Type == model.RequestTypeDeviceBooking {
		return Result{Skipped: "device booking"}
	}

	batches, err := d.plan(ctx, ev, req)
	if err != nil {
		res.Failures = append(res.Failures, d.fail(ev, "", "", err))
	}
	for _, b := range batches {
		delivery, failures := d.deliver(ctx, ev, b)
		res.Deliveries[b.key] = delivery
		res.Failures = append(res.Failures, failures...)

		if err := d.requests.UpdateSMSStatus(ctx, req.ID, b.key, delivery); err != nil {
			d.logger.WithFields(logrus.Fields{
				"event":      ev.Kind,
				"request_id": req.ID,
				"recipient":  b.key,
				"error":      err.Error(),
			}).Error("Failed to record sms status")
		}
	}
	return d.withRetry(res)
}

// withRetry attaches the retry schedule when any failure could succeed later.
func (d *Dispatcher) withRetry(res Result) Result {
	for _, f := range res.Failures {
		if f.Retryable() {
			res.RetryIn = d.cfg.retrySchedule()
			break
		}
	}
	return res
}

// plan decides who hears about ev and with which template. Batches that
// could be built are returned even when another one failed.
func (d *Dispatcher) plan(ctx context.Context, ev event.WorkflowEvent, req *model.AccessRequest) ([]batch, error) {
	requester := model.User{}
	if req.Requester != nil {
		requester = *req.Requester
	}
	data := TemplateData{
		Name:       requester.DisplayName(),
		Type:       req.Type,
		Reference:  req.Reference,
		Requester:  requester.DisplayName(),
		Department: req.Department,
	}

	var (
		batches []batch
		errs    []error
	)
	add := func(key, tmpl string, data TemplateData, to []model.User) {
		b, err := d.build(key, tmpl, data, to)
		if err != nil {
			errs = append(errs, err)
			return
		}
		batches = append(batches, b)
	}
	toRequester := func(tmpl string, data TemplateData) {
		add(model.RecipientRequester, tmpl, data, []model.User{requester})
	}

	switch ev.Kind {
	case event.KindSubmitted:
		toRequester(TemplateForStatus(model.RequestStatusPending), data)
		if approvers, err := d.firstStageApprovers(ctx, req); err != nil {
			errs = append(errs, err)
		} else {
			add(model.RecipientApprovers, TemplateApproverNotification, data, approvers)
		}

	case event.KindDecided:
		switch {
		case ev.Decision == event.DecisionReject:
			data.Reason = ev.Comments
			toRequester(TemplateRejected, data)
		case !ev.Final:
			if req.CurrentStage != model.StageCompleted {
				data.NextStage = req.CurrentStage
			}
			toRequester(TemplateForStatus(model.RequestStatusInReview), data)
		default:
			toRequester(TemplateApproved, data)
			if len(req.AdditionalNotifyUsers) > 0 {
				if extra, err := d.additionalUsers(ctx, req); err != nil {
					errs = append(errs, err)
				} else {
					add(model.RecipientAdditionalUsers, TemplateAccessGranted, data, extra)
				}
			}
		}

	case event.KindCancelled:
		data.Reason = ev.Comments
		toRequester(TemplateCancelled, data)

	case event.KindTaskAssigned:
		if ev.OfficerID == nil {
			break
		}
		officer, err := d.users.FindByID(ctx, *ev.OfficerID)
		if err != nil {
			errs = append(errs, fmt.Errorf("load officer %s: %w", *ev.OfficerID, err))
			break
		}
		data.Name = officer.DisplayName()
		add(model.RecipientOfficer, TemplateTaskAssigned, data, []model.User{*officer})

	case event.KindImplementationCompleted:
		toRequester(TemplateImplemented, data)
	}
	return batches, errors.Join(errs...)
}

func (d *Dispatcher) build(key, tmpl string, data TemplateData, recipients []model.User) (batch, error) {
	used, msg, err := Render(tmpl, data)
	if err != nil {
		return batch{}, fmt.Errorf("render %s: %w", tmpl, err)
	}
	return batch{key: key, template: used, message: msg, recipients: recipients}, nil
}

func (d *Dispatcher) firstStageApprovers(ctx context.Context, req *model.AccessRequest) ([]model.User, error) {
	stage, err := d.policy.FirstStage(req.Type)
	if err != nil {
		return nil, err
	}
	role, err := d.policy.AuthorizedRole(stage)
	if err != nil {
		return nil, err
	}
	department := ""
	if d.policy.DepartmentScoped(stage) {
		department = req.Department
	}
	users, err := d.users.ListByRole(ctx, role, department)
	if err != nil {
		return nil, fmt.Errorf("list %s approvers: %w", role, err)
	}
	return users, nil
}

func (d *Dispatcher) additionalUsers(ctx context.Context, req *model.AccessRequest) ([]model.User, error) {
	ids := make([]uuid.UUID, 0, len(req.AdditionalNotifyUsers))
	for _, raw := range req.AdditionalNotifyUsers {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	users, err := d.users.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load additional notify users: %w", err)
	}
	return users, nil
}

// deliver sends b to every reachable recipient. The group counts as sent when
// at least one recipient got the message.
func (d *Dispatcher) deliver(ctx context.Context, ev event.WorkflowEvent, b batch) (model.SMSDelivery, []*NotificationFailure) {
	var failures []*NotificationFailure
	seen := make(map[string]bool, len(b.recipients))
	phones := make([]string, 0, len(b.recipients))
	for _, u := range b.recipients {
		phone := strings.TrimSpace(u.Phone)
		if phone == "" {
			failures = append(failures, d.fail(ev, b.key, "", fmt.Errorf("%w: %s", ErrNoPhone, u.Username)))
			continue
		}
		if seen[phone] {
			continue
		}
		seen[phone] = true

		if limited, err := d.rateLimited(ctx, phone); err != nil || limited {
			if err == nil {
				err = ErrRateLimited
				d.record(ctx, ev, b, SendResult{Phone: phone, Err: err}, model.SMSLogRateLimited)
			}
			failures = append(failures, d.fail(ev, b.key, phone, err))
			continue
		}
		phones = append(phones, phone)
	}

	results := d.send(ctx, phones, b.message)

	succeeded := 0
	for _, r := range results {
		if r.Err != nil {
			d.record(ctx, ev, b, r, model.SMSLogFailed)
			failures = append(failures, d.fail(ev, b.key, r.Phone, r.Err))
			continue
		}
		d.record(ctx, ev, b, r, model.SMSLogSent)
		succeeded++
	}

	delivery := model.SMSDelivery{Attempted: len(results), Succeeded: succeeded, EventAt: ev.OccurredAt}
	switch {
	case len(results) == 0:
		delivery.Status = model.SMSStatusNotAttempted
	case succeeded > 0:
		now := d.now()
		delivery.Status = model.SMSStatusSent
		delivery.SentAt = &now
	default:
		delivery.Status = model.SMSStatusFailed
	}
	return delivery, failures
}

// send fans phones out to the gateway, in bulk chunks when it supports that.
func (d *Dispatcher) send(ctx context.Context, phones []string, message string) []SendResult {
	if len(phones) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		results = make([]SendResult, 0, len(phones))
		g       errgroup.Group
	)
	g.SetLimit(d.cfg.MaxConcurrency)
	collect := func(rs ...SendResult) {
		mu.Lock()
		results = append(results, rs...)
		mu.Unlock()
	}

	bulk, isBulk := d.gateway.(BulkGateway)
	if isBulk && len(phones) > 1 {
		for start := 0; start < len(phones); start += d.cfg.MaxBulkSize {
			end := start + d.cfg.MaxBulkSize
			if end > len(phones) {
				end = len(phones)
			}
			chunk := phones[start:end]
			g.Go(func() error {
				sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
				defer cancel()
				res, err := bulk.SendBulk(sendCtx, chunk, message)
				if err != nil {
					failed := make([]SendResult, 0, len(chunk))
					for _, phone := range chunk {
						failed = append(failed, SendResult{Phone: phone, Err: err})
					}
					collect(failed...)
					return nil
				}
				collect(res.Results...)
				return nil
			})
		}
	} else {
		for _, phone := range phones {
			phone := phone
			g.Go(func() error {
				sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
				defer cancel()
				id, err := d.gateway.Send(sendCtx, phone, message)
				collect(SendResult{Phone: phone, MessageID: id, Err: err})
				return nil
			})
		}
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) rateLimited(ctx context.Context, phone string) (bool, error) {
	if d.cfg.RatePerHour <= 0 {
		return false, nil
	}
	count, err := d.smsLogs.CountSentSince(ctx, phone, d.now().Add(-time.Hour))
	if err != nil {
		return false, fmt.Errorf("count recent sms: %w", err)
	}
	return count >= int64(d.cfg.RatePerHour), nil
}

func (d *Dispatcher) record(ctx context.Context, ev event.WorkflowEvent, b batch, r SendResult, status string) {
	requestID := ev.RequestID
	entry := &model.SMSLog{
		RequestID:         &requestID,
		Phone:             r.Phone,
		RecipientKey:      b.key,
		Template:          b.template,
		Message:           b.message,
		Status:            status,
		ProviderMessageID: r.MessageID,
		CreatedAt:         d.now(),
	}
	if r.Err != nil {
		entry.Error = r.Err.Error()
	}
	if err := d.smsLogs.Create(ctx, entry); err != nil {
		d.logger.WithFields(logrus.Fields{
			"request_id": ev.RequestID,
			"recipient":  b.key,
			"error":      err.Error(),
		}).Warn("Failed to write sms log")
	}
}

func (d *Dispatcher) fail(ev event.WorkflowEvent, recipient, phone string, err error) *NotificationFailure {
	d.logger.WithFields(logrus.Fields{
		"event":      ev.Kind,
		"request_id": ev.RequestID,
		"recipient":  recipient,
		"phone":      phone,
		"error":      err.Error(),
	}).Warn("Notification failed")
	return &NotificationFailure{Event: ev.Kind, RequestID: ev.RequestID, Recipient: recipient, Phone: phone, Err: err}
}
