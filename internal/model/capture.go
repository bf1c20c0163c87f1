package model

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source tells where a capture job came from.
type Source int

const (
	Prompt Source = iota
	Kafka
	Schedule
)

func (s Source) String() string {
	return [...]string{"prompt", "kafka", "schedule"}[s]
}

// Status is the final state of a capture job.
type Status string

const (
	StatusComplete   Status = "complete"
	StatusIncomplete Status = "incomplete"
	StatusFailed     Status = "failed"
)

var (
	ErrInvalidURL  = errors.New("invalid url")
	ErrInvalidSize = errors.New("invalid screen size")
)

type ScreenSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ParseScreenSize parses a "WxH" string such as "1024x768".
func ParseScreenSize(s string) (ScreenSize, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return ScreenSize{}, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return ScreenSize{}, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return ScreenSize{}, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	if width <= 0 || height <= 0 {
		return ScreenSize{}, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	return ScreenSize{Width: width, Height: height}, nil
}

func (s ScreenSize) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// CaptureTask is the wire form of a job: prompt line, kafka message or task file entry.
type CaptureTask struct {
	URL        string `json:"url"`
	ScreenSize string `json:"screen_size"`
	OSType     string `json:"os_type"`
	Proxy      string `json:"proxy,omitempty"`
	Schedule   string `json:"schedule,omitempty"`
}

// CaptureJob is the unit of work handed to the pipeline.
type CaptureJob struct {
	ID     string
	URL    string
	Host   string
	Size   ScreenSize
	OS     string
	Proxy  string
	Source Source
}

func NewCaptureJob(task *CaptureTask, source Source) (*CaptureJob, error) {
	rawURL := strings.TrimSpace(task.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	host := NormalizeHost(rawURL)
	if host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, task.URL)
	}
	size, err := ParseScreenSize(task.ScreenSize)
	if err != nil {
		return nil, err
	}

	return &CaptureJob{
		ID:     uuid.NewString(),
		URL:    rawURL,
		Host:   host,
		Size:   size,
		OS:     strings.ToLower(strings.TrimSpace(task.OSType)),
		Proxy:  strings.TrimSpace(task.Proxy),
		Source: source,
	}, nil
}

// UserAgent returns the user agent simulated for the job's OS tag.
func (j *CaptureJob) UserAgent() string {
	return UserAgent(j.OS)
}

// NormalizeHost turns the url host into a filesystem-safe name: "example.com" -> "example_com".
// Returns "" when the url has no host.
func NormalizeHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.NewReplacer(".", "_", ":", "_").Replace(strings.ToLower(u.Host))
}

type RedirectHop struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
}

// String is the "<status> <url>" line of the redirects file.
func (h RedirectHop) String() string {
	return fmt.Sprintf("%d %s", h.Status, h.URL)
}

// RedirectRecord is the ordered redirect chain; the last hop is the final page.
type RedirectRecord []RedirectHop

// CaptureResult is published once a job has been torn down.
type CaptureResult struct {
	JobID            string         `json:"job_id"`
	URL              string         `json:"url"`
	Host             string         `json:"host"`
	ScreenSize       string         `json:"screen_size"`
	OSType           string         `json:"os_type"`
	Source           string         `json:"source"`
	PrimaryDisplay   int            `json:"primary_display"`
	SecondaryDisplay int            `json:"secondary_display,omitempty"`
	Status           Status         `json:"status"`
	Error            string         `json:"error,omitempty"`
	FinalURL         string         `json:"final_url,omitempty"`
	FinalStatus      int            `json:"final_status,omitempty"`
	Title            string         `json:"title,omitempty"`
	Redirects        RedirectRecord `json:"redirects"`
	Artifacts        []string       `json:"artifacts"`
	Archive          string         `json:"archive,omitempty"`
	ArchiveLink      string         `json:"archive_link,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	WorkerVersion    string         `json:"worker_version"`
}
