package types

import (
	"fmt"
	"time"
)

// RateCardPeriod defines one window of a user-configured static TOU rate
// card. Hours are in the site's timezone; an empty DaysOfTheWeek matches
// every day.
type RateCardPeriod struct {
	Name          string         `json:"name,omitempty"`
	HourStart     int            `json:"hourStart"`
	HourEnd       int            `json:"hourEnd"`
	DaysOfTheWeek []time.Weekday `json:"daysOfTheWeek,omitempty"`

	BuyCents  float64 `json:"buyCents"`
	SellCents float64 `json:"sellCents"`
}

// Contains checks if a time (already in the card's timezone) is within the
// period.
func (p *RateCardPeriod) Contains(t time.Time) bool {
	if h := t.Hour(); h < p.HourStart || h >= p.HourEnd {
		return false
	}
	if len(p.DaysOfTheWeek) > 0 {
		var found bool
		dow := t.Weekday()
		for _, d := range p.DaysOfTheWeek {
			if d == dow {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RateCard is a full static TOU schedule.
type RateCard struct {
	Location string           `json:"location"`
	Periods  []RateCardPeriod `json:"periods"`
}

// Validate checks the card covers every hour of every day exactly once.
func (c RateCard) Validate() error {
	if len(c.Periods) == 0 {
		return fmt.Errorf("rate card has no periods")
	}
	for dow := time.Sunday; dow <= time.Saturday; dow++ {
		for h := 0; h < 24; h++ {
			count := 0
			probe := time.Date(2026, 3, 1+int(dow), h, 0, 0, 0, time.UTC)
			for i := range c.Periods {
				if c.Periods[i].Contains(probe) {
					count++
				}
			}
			if count == 0 {
				return fmt.Errorf("rate card does not cover %s %02d:00", dow, h)
			}
			if count > 1 {
				return fmt.Errorf("rate card covers %s %02d:00 %d times", dow, h, count)
			}
		}
	}
	return nil
}
