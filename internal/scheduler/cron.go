package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type Schedule interface {
	Next(after time.Time) time.Time
}

// Parser parses standard five-field cron expressions and descriptors such as "@hourly".
type Parser struct {
	parser cron.Parser
	loc    *time.Location
}

func NewParser(timezone string) (*Parser, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    loc,
	}, nil
}

func (p *Parser) Parse(expression string) (Schedule, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}
	return &schedule{sched: sched, loc: p.loc}, nil
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}
