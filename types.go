package dashsync

import (
	"encoding/json"
	"net/url"
	"strconv"
	"time"
)

// ============================================================================
// Pagination
// ============================================================================

// PageInfo is the normalised pagination block. The calls endpoint reports
// current_page/total_pages/per_page while the chats endpoint reports
// page/totalPages/limit; both decode into the same shape.
type PageInfo struct {
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
	Total      int `json:"total"`
	PerPage    int `json:"per_page"`
}

func (p *PageInfo) UnmarshalJSON(data []byte) error {
	var raw struct {
		CurrentPage  *int `json:"current_page"`
		Page         *int `json:"page"`
		TotalPages   *int `json:"total_pages"`
		TotalPagesJS *int `json:"totalPages"`
		Total        *int `json:"total"`
		PerPage      *int `json:"per_page"`
		Limit        *int `json:"limit"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = PageInfo{
		Page:       firstInt(raw.CurrentPage, raw.Page),
		TotalPages: firstInt(raw.TotalPages, raw.TotalPagesJS),
		Total:      firstInt(raw.Total),
		PerPage:    firstInt(raw.PerPage, raw.Limit),
	}
	if p.TotalPages == 0 && p.Total > 0 && p.PerPage > 0 {
		p.TotalPages = (p.Total + p.PerPage - 1) / p.PerPage
	}
	return nil
}

// HasNext reports whether the server has a page after this one.
func (p PageInfo) HasNext() bool {
	return p.Page < p.TotalPages
}

func firstInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

// Page is one fetched page of a list endpoint.
type Page[T any] struct {
	Items []T      `json:"items"`
	Info  PageInfo `json:"pagination"`
}

// Filter is the filter set of a conversation list view. Any change to it
// resets pagination.
type Filter struct {
	Status   string
	Source   string
	ChatType string
	From     time.Time
	To       time.Time
	Search   string
}

// Key returns a canonical encoding of the filter, used as cache key scope.
func (f Filter) Key() string {
	return f.values().Encode()
}

func (f Filter) values() url.Values {
	v := url.Values{}
	if f.Status != "" {
		v.Set("status", f.Status)
	}
	if f.Source != "" {
		v.Set("source", f.Source)
	}
	if f.ChatType != "" {
		v.Set("chat_type", f.ChatType)
	}
	if !f.From.IsZero() {
		v.Set("start_date", f.From.UTC().Format("2006-01-02"))
	}
	if !f.To.IsZero() {
		v.Set("end_date", f.To.UTC().Format("2006-01-02"))
	}
	if f.Search != "" {
		v.Set("search", f.Search)
	}
	return v
}

// ListOptions combines a filter with a page request.
type ListOptions struct {
	Filter Filter
	Page   int
	Limit  int
}

func (o ListOptions) query() map[string]string {
	q := o.Filter.query()
	page := o.Page
	if page <= 0 {
		page = 1
	}
	q["page"] = strconv.Itoa(page)
	if o.Limit > 0 {
		q["limit"] = strconv.Itoa(o.Limit)
	}
	return q
}

// DateRange bounds analytics, overview and usage queries.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (d DateRange) query() map[string]string {
	if d.From.IsZero() && d.To.IsZero() {
		return nil
	}
	return Filter{From: d.From, To: d.To}.query()
}

func (f Filter) query() map[string]string {
	q := map[string]string{}
	for k, vs := range f.values() {
		q[k] = vs[0]
	}
	return q
}

// ============================================================================
// Conversations
// ============================================================================

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleHuman     Role = "human"
)

type Attachment struct {
	URL          string `json:"file_url"`
	Name         string `json:"file_name"`
	Size         int64  `json:"file_size"`
	Type         string `json:"file_type"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	Duration     int    `json:"duration,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// Message is a single chat message.
type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chat_id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Chat is the list-level view of a chat conversation.
type Chat struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Source        string    `json:"source"`
	ChatType      string    `json:"chat_type,omitempty"`
	CustomerName  string    `json:"customer_name,omitempty"`
	LeadID        string    `json:"lead_id,omitempty"`
	Summary       Analysis  `json:"summary"`
	Handover      bool      `json:"handover,omitempty"`
	UnreadCount   int       `json:"unread_count"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	LastMessage   string    `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	Tags          []Tag     `json:"tags,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ChatDetail is a chat together with its message history.
type ChatDetail struct {
	Chat     Chat      `json:"chat"`
	Messages []Message `json:"messages"`
}

// indexOf returns the position of the message with the given id, or -1.
func (d ChatDetail) indexOf(id string) int {
	for i, m := range d.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// TranscriptEntry is one turn of a call transcript.
type TranscriptEntry struct {
	Role    Role    `json:"role"`
	Content string  `json:"content"`
	Start   float64 `json:"start,omitempty"`
	End     float64 `json:"end,omitempty"`
}

// Call is the list-level view of a voice call.
type Call struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Source       string    `json:"source"`
	Direction    string    `json:"direction,omitempty"`
	PhoneNumber  string    `json:"phone_number,omitempty"`
	LeadID       string    `json:"lead_id,omitempty"`
	Duration     int       `json:"duration"`
	Analysis     Analysis  `json:"analysis"`
	RecordingURL string    `json:"recording_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type CallDetail struct {
	Call       Call              `json:"call"`
	Transcript []TranscriptEntry `json:"transcript,omitempty"`
}

// ============================================================================
// Leads
// ============================================================================

// LeadStatus is the qualification state of a lead.
type LeadStatus string

const (
	LeadNew          LeadStatus = "new"
	LeadQualified    LeadStatus = "qualified"
	LeadFollowUp     LeadStatus = "follow_up"
	LeadNotQualified LeadStatus = "not_qualified"
	LeadConverted    LeadStatus = "converted"
	LeadLost         LeadStatus = "lost"
)

var leadStatuses = []LeadStatus{LeadNew, LeadQualified, LeadFollowUp, LeadNotQualified, LeadConverted, LeadLost}

// Valid reports whether s is a known lead status.
func (s LeadStatus) Valid() bool {
	for _, v := range leadStatuses {
		if s == v {
			return true
		}
	}
	return false
}

type Lead struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Email           string     `json:"email,omitempty"`
	Phone           string     `json:"phone,omitempty"`
	Company         string     `json:"company,omitempty"`
	Status          LeadStatus `json:"status"`
	Source          string     `json:"source"`
	ConversationIDs []string   `json:"conversation_ids,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// ============================================================================
// Analytics / usage
// ============================================================================

type Overview struct {
	TotalCalls      int     `json:"total_calls"`
	TotalChats      int     `json:"total_chats"`
	TotalLeads      int     `json:"total_leads"`
	QualifiedLeads  int     `json:"qualified_leads"`
	AvgCallDuration float64 `json:"avg_call_duration"`
	HandoverRate    float64 `json:"handover_rate"`
}

type AnalyticsPoint struct {
	Date  string `json:"date"`
	Calls int    `json:"calls"`
	Chats int    `json:"chats"`
	Leads int    `json:"leads"`
}

type Analytics struct {
	Series       []AnalyticsPoint `json:"series"`
	BySource     map[string]int   `json:"by_source,omitempty"`
	ByLeadStatus map[string]int   `json:"by_lead_status,omitempty"`
}

// Usage reports metered credits for the organisation.
type Usage struct {
	CreditsTotal     float64 `json:"credits_total"`
	CreditsUsed      float64 `json:"credits_used"`
	CreditsRemaining float64 `json:"credits_remaining"`
	CallMinutes      float64 `json:"call_minutes"`
	ChatMessages     int     `json:"chat_messages"`
	PeriodStart      string  `json:"period_start,omitempty"`
	PeriodEnd        string  `json:"period_end,omitempty"`
}

// UploadResult is the response of the multipart upload endpoint.
type UploadResult = Attachment

