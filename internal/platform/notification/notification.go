// Package notification renders appointment notifications from templates and
// delivers them as push messages, keeping a bounded in-memory log of what was
// sent for the admin endpoints.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Template IDs used by the booking service.
const (
	TemplateAppointmentRequested = "appointment-requested"
	TemplateAppointmentConfirmed = "appointment-confirmed"
	TemplateAppointmentUpdated   = "appointment-updated"
	TemplateAppointmentDeleted   = "appointment-deleted"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Notification is one delivery attempt.
type Notification struct {
	ID         string            `json:"id"`
	Recipient  string            `json:"recipient"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	TemplateID string            `json:"template_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	Status     string            `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// PushSender delivers a push message to a patient.
type PushSender interface {
	SendPush(ctx context.Context, recipient, title, body string, data map[string]string) error
}

// FCMSender sends through Firebase Cloud Messaging. Each patient's devices
// subscribe to the topic "patient_<id>".
type FCMSender struct {
	client *messaging.Client
}

func NewFCMSender(client *messaging.Client) *FCMSender {
	return &FCMSender{client: client}
}

func PatientTopic(patientID string) string { return "patient_" + patientID }

func (s *FCMSender) SendPush(ctx context.Context, recipient, title, body string, data map[string]string) error {
	msg := &messaging.Message{
		Topic: PatientTopic(recipient),
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: &messaging.APNSPayload{Aps: &messaging.Aps{Sound: "default"}},
		},
	}
	if _, err := s.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("send fcm message: %w", err)
	}
	return nil
}

// LogSender writes notifications to the log instead of delivering them.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendPush(_ context.Context, recipient, title, body string, _ map[string]string) error {
	s.logger.Info().Str("recipient", recipient).Str("title", title).Str("body", body).Msg("push notification")
	return nil
}

// PushCall records a single call to SendPush.
type PushCall struct {
	Recipient string
	Title     string
	Body      string
	Data      map[string]string
}

// MockPushSender is a test double for PushSender.
type MockPushSender struct {
	mu         sync.Mutex
	calls      []PushCall
	ShouldFail bool
	FailError  string
}

func (m *MockPushSender) SendPush(_ context.Context, recipient, title, body string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, PushCall{Recipient: recipient, Title: title, Body: body, Data: data})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded calls.
func (m *MockPushSender) Calls() []PushCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PushCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

type Template struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// TemplateEngine renders {{key}} placeholders.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates an engine with the appointment templates
// registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, t := range []Template{
		{
			ID:    TemplateAppointmentRequested,
			Title: "Appointment requested",
			Body:  "Your appointment with {{doctor_id}} on {{weekday}} {{date}} at {{time}} is pending confirmation.",
		},
		{
			ID:    TemplateAppointmentConfirmed,
			Title: "Appointment confirmed",
			Body:  "Your appointment with {{doctor_id}} on {{weekday}} {{date}} at {{time}} is confirmed.",
		},
		{
			ID:    TemplateAppointmentUpdated,
			Title: "Appointment changed",
			Body:  "Your appointment was moved to {{weekday}} {{date}} at {{time}} with {{doctor_id}}.",
		},
		{
			ID:    TemplateAppointmentDeleted,
			Title: "Appointment cancelled",
			Body:  "Your appointment on {{date}} at {{time}} was cancelled by the clinic.",
		},
	} {
		e.RegisterTemplate(t)
	}
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render fills the template. Placeholders without data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (title, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	title, body = t.Title, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return title, body, nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// DefaultHistory is how many notifications a Dispatcher remembers.
const DefaultHistory = 1000

// Dispatcher renders and sends notifications and keeps the most recent ones.
type Dispatcher struct {
	sender    PushSender
	templates *TemplateEngine
	history   int

	mu    sync.RWMutex
	byID  map[string]*Notification
	order []string
}

func NewDispatcher(sender PushSender, tpl *TemplateEngine, history int) *Dispatcher {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Dispatcher{
		sender:    sender,
		templates: tpl,
		history:   history,
		byID:      make(map[string]*Notification),
	}
}

// Notify renders templateID with data and pushes it to recipient. The
// attempt is recorded whether or not delivery succeeds.
func (d *Dispatcher) Notify(ctx context.Context, recipient, templateID string, data map[string]string) error {
	title, body, err := d.templates.Render(templateID, data)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	n := &Notification{
		ID:         uuid.New().String(),
		Recipient:  recipient,
		Title:      title,
		Body:       body,
		TemplateID: templateID,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}
	err = d.deliver(ctx, n)
	d.store(n)
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification) error {
	if err := d.sender.SendPush(ctx, n.Recipient, n.Title, n.Body, n.Data); err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		return err
	}
	sentAt := time.Now().UTC()
	n.Status = StatusSent
	n.SentAt = &sentAt
	n.Error = ""
	return nil
}

func (d *Dispatcher) store(n *Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[n.ID] = n
	d.order = append(d.order, n.ID)
	for len(d.order) > d.history {
		delete(d.byID, d.order[0])
		d.order = d.order[1:]
	}
}

func (d *Dispatcher) Get(id string) (*Notification, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	cp := *n
	return &cp, nil
}

// ListByRecipient returns up to limit notifications for recipient, newest
// first.
func (d *Dispatcher) ListByRecipient(recipient string, limit int) []*Notification {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Notification
	for i := len(d.order) - 1; i >= 0 && len(out) < limit; i-- {
		n := d.byID[d.order[i]]
		if n.Recipient == recipient {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out
}

// Retry re-sends a failed notification.
func (d *Dispatcher) Retry(ctx context.Context, id string) error {
	d.mu.RLock()
	n, ok := d.byID[id]
	var cp Notification
	if ok {
		cp = *n
	}
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("notification %q not found", id)
	}
	if cp.Status != StatusFailed {
		return fmt.Errorf("notification %q is not in failed status (current: %s)", id, cp.Status)
	}

	err := d.deliver(ctx, &cp)
	d.mu.Lock()
	if cur, ok := d.byID[id]; ok {
		*cur = cp
	}
	d.mu.Unlock()
	return err
}

// Stats counts remembered notifications by status.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := make(map[string]int)
	for _, n := range d.byID {
		stats[n.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes the notification log to administrators.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RegisterRoutes registers the routes on g; the caller guards g with an
// admin check.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/:id", h.HandleGet)
	g.GET("/notifications", h.HandleList)
	g.POST("/notifications/:id/retry", h.HandleRetry)
}

func (h *Handler) HandleGet(c echo.Context) error {
	n, err := h.dispatcher.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

// HandleList handles GET /notifications?recipient=...
func (h *Handler) HandleList(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient query parameter is required")
	}
	list := h.dispatcher.ListByRecipient(recipient, 100)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) HandleRetry(c echo.Context) error {
	id := c.Param("id")
	if err := h.dispatcher.Retry(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, _ := h.dispatcher.Get(id)
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats())
}
