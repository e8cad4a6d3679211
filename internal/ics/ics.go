// Package ics renders a user's local events as an iCalendar feed.
package ics

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-ical"

	"github.com/njoerd114/calsync/internal/model"
)

// ProductID identifies the feed producer.
const ProductID = "-//calsync//EN"

// Encode writes events to w as a single VCALENDAR with one VEVENT each.
// Times are written in UTC; DTSTAMP is the row's last update. All-day events
// are written as DATE values taken in loc (nil means UTC).
func Encode(w io.Writer, name string, loc *time.Location, events []*model.Event) error {
	if loc == nil {
		loc = time.UTC
	}
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)
	if name != "" {
		cal.Props.SetText("X-WR-CALNAME", name)
	}

	for _, ev := range events {
		cal.Children = append(cal.Children, toVEvent(ev, loc))
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encoding calendar: %w", err)
	}
	return nil
}

func toVEvent(ev *model.Event, loc *time.Location) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, ev.ID)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, ev.UpdatedAt.UTC())
	ve.Props.SetText(ical.PropSummary, ev.Title)
	if ev.AllDay {
		ve.Props.SetDate(ical.PropDateTimeStart, ev.Start.In(loc))
		ve.Props.SetDate(ical.PropDateTimeEnd, ev.End.In(loc))
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
	}
	for _, a := range ev.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = "mailto:" + a
		ve.Props.Add(p)
	}

	if ev.Description != "" {
		ve.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		ve.Props.SetText(ical.PropLocation, ev.Location)
	}
	return ve
}
