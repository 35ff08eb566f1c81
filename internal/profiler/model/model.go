package model

import (
	"encoding/json"
	"math"
)

const (
	DirectionAsc  = "ASC"
	DirectionDesc = "DESC"

	TypePathMatch = "path_match"
	TypeHostMatch = "host_match"

	// Precision is the number of decimal digits kept when timings are serialized.
	Precision = 6
)

// Measurement is one recorded observation of a single HTTP request.
type Measurement struct {
	Id         int64
	Name       string
	Type       string
	Method     string
	Context    map[string]interface{}
	BeginTime  float64
	FinishTime float64
	ElapseTime float64

	// ContextLoaded is set by a backend when the caller asked for the context,
	// in which case Context is serialized even when nil.
	ContextLoaded bool
}

// MeasurementGroup aggregates elapse times of measurements sharing a name and method.
type MeasurementGroup struct {
	Name   string
	Method string
	Count  int64
	Min    float64
	Max    float64
	Avg    float64
}

type Order struct {
	Direction string
	Field     string
}

// FilterCriteria selects measurements. Nil pointers mean the criterion is absent.
type FilterCriteria struct {
	Id          *int64
	ElapseTime  *float64
	BeginTime   *float64
	FinishTime  *float64
	Method      *string
	Name        *string
	NameRegex   *string
	Sort        string
	Offset      *int
	Limit       *int
	WithContext bool
	ReturnTotal bool
}

type GroupCriteria struct {
	BeginTime   *float64
	FinishTime  *float64
	Method      *string
	Name        *string
	Search      *string
	Sort        string
	Offset      *int
	Limit       *int
	ReturnTotal bool
}

// FilterResult carries one of the three shapes a filter can produce: a single
// measurement for id lookups, a page of measurements, or a page plus the total
// number of matching measurements.
type FilterResult struct {
	Measurement  *Measurement
	Measurements []*Measurement
	Total        *int
}

type GroupResult struct {
	Groups []*MeasurementGroup
	Total  *int
}

// Round rounds v to Precision decimal digits.
func Round(v float64) float64 {
	p := math.Pow10(Precision)
	return math.Round(v*p) / p
}

type measurementJson struct {
	Id         int64                  `json:"id"`
	Name       string                 `json:"name"`
	Type       *string                `json:"type"`
	Method     string                 `json:"method"`
	BeginTime  float64                `json:"begin_time"`
	FinishTime float64                `json:"finish_time"`
	ElapseTime float64                `json:"elapse_time"`
	Context    map[string]interface{} `json:"context"`
}

type measurementJsonNoContext struct {
	Id         int64   `json:"id"`
	Name       string  `json:"name"`
	Type       *string `json:"type"`
	Method     string  `json:"method"`
	BeginTime  float64 `json:"begin_time"`
	FinishTime float64 `json:"finish_time"`
	ElapseTime float64 `json:"elapse_time"`
}

func (m *Measurement) MarshalJSON() ([]byte, error) {
	var measurementType *string
	if m.Type != "" {
		measurementType = &m.Type
	}
	if m.ContextLoaded {
		return json.Marshal(measurementJson{
			Id:         m.Id,
			Name:       m.Name,
			Type:       measurementType,
			Method:     m.Method,
			BeginTime:  Round(m.BeginTime),
			FinishTime: Round(m.FinishTime),
			ElapseTime: Round(m.ElapseTime),
			Context:    m.Context,
		})
	}
	return json.Marshal(measurementJsonNoContext{
		Id:         m.Id,
		Name:       m.Name,
		Type:       measurementType,
		Method:     m.Method,
		BeginTime:  Round(m.BeginTime),
		FinishTime: Round(m.FinishTime),
		ElapseTime: Round(m.ElapseTime),
	})
}

func (g *MeasurementGroup) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name   string  `json:"name"`
		Method string  `json:"method"`
		Count  int64   `json:"count"`
		Min    float64 `json:"min"`
		Max    float64 `json:"max"`
		Avg    float64 `json:"avg"`
	}{
		Name:   g.Name,
		Method: g.Method,
		Count:  g.Count,
		Min:    Round(g.Min),
		Max:    Round(g.Max),
		Avg:    Round(g.Avg),
	})
}
