package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/kada-mandiya/analytics/collector/internal/events"
	"github.com/kada-mandiya/analytics/common/fingerprint"
	"github.com/kada-mandiya/analytics/warehouse/bronze"
)

// write stores p in its bronze table and reports the target written.
func write(ctx context.Context, w *bronze.Writer, p *events.Parsed, raw map[string]any, receivedAt time.Time) (string, error) {
	props, err := mergeProperties(p, raw, receivedAt)
	if err != nil {
		return "", err
	}

	switch e := p.Event.(type) {
	case *events.Click:
		_, err := w.InsertClick(ctx, bronze.ClickRow{
			EventID:        e.EventID,
			EventTimestamp: e.EventTimestamp.Time,
			SessionID:      e.SessionID,
			UserID:         e.UserID,
			PageURL:        e.PageURL,
			ElementID:      e.ElementID,
			X:              e.X,
			Y:              e.Y,
			ViewportW:      e.ViewportW,
			ViewportH:      e.ViewportH,
			UserAgent:      e.UserAgent,
			IPAddress:      e.IPAddress,
			Properties:     props,
		})
		return "bronze.click_events", err
	case *events.PageView:
		_, err := w.InsertPageView(ctx, bronze.PageViewRow{
			EventID:               e.EventID,
			EventTimestamp:        e.EventTimestamp.Time,
			SessionID:             e.SessionID,
			UserID:                e.UserID,
			PageURL:               e.PageURL,
			ReferrerURL:           e.ReferrerURL,
			UTMSource:             e.UTMSource,
			UTMMedium:             e.UTMMedium,
			UTMCampaign:           e.UTMCampaign,
			TimeOnPrevPageSeconds: e.TimeOnPrevPageSeconds,
			Properties:            props,
		})
		return "bronze.page_view_events", err
	case *events.Scroll:
		_, err := w.InsertScroll(ctx, bronze.ScrollRow{
			EventID:        e.EventID,
			EventTimestamp: e.EventTimestamp.Time,
			SessionID:      e.SessionID,
			UserID:         e.UserID,
			PageURL:        e.PageURL,
			ScrollDepthPct: e.ScrollDepthPct,
			Properties:     props,
		})
		return "bronze.scroll_events", err
	case *events.FormInteraction:
		_, err := w.InsertForm(ctx, bronze.FormRow{
			EventID:        e.EventID,
			EventTimestamp: e.EventTimestamp.Time,
			SessionID:      e.SessionID,
			UserID:         e.UserID,
			PageURL:        e.PageURL,
			FormID:         e.FormID,
			FieldID:        e.FieldID,
			Action:         e.Action,
			ErrorMessage:   e.ErrorMessage,
			TimeSpentMS:    e.TimeSpentMS,
			Properties:     props,
		})
		return "bronze.form_events", err
	case *events.Search:
		_, err := w.InsertSearch(ctx, bronze.SearchRow{
			EventID:        e.EventID,
			EventTimestamp: e.EventTimestamp.Time,
			SessionID:      e.SessionID,
			UserID:         e.UserID,
			PageURL:        e.PageURL,
			Query:          e.Query,
			ResultsCount:   e.ResultsCount,
			Filters:        filters(e.Filters),
			Properties:     props,
		})
		return "bronze.search_events", err
	case *events.APIRequestLog:
		_, err := w.InsertAPIRequestLog(ctx, bronze.APIRequestLogRow{
			EventID:           e.EventID,
			Timestamp:         e.EventTimestamp.Time,
			Service:           e.Service,
			Endpoint:          e.Endpoint,
			Method:            e.Method,
			StatusCode:        *e.StatusCode,
			ResponseTimeMS:    *e.ResponseTimeMS,
			UserID:            e.UserID,
			CorrelationID:     e.CorrelationID,
			RequestSizeBytes:  e.RequestSizeBytes,
			ResponseSizeBytes: e.ResponseSizeBytes,
			IPAddress:         e.IPAddress,
			UserAgent:         e.UserAgent,
		})
		return "bronze.api_request_logs", err
	case *events.DBQueryPerf:
		_, err := w.InsertDBQueryPerf(ctx, bronze.DBQueryPerfRow{
			EventID:         e.EventID,
			Timestamp:       e.EventTimestamp.Time,
			Service:         e.Service,
			DatabaseName:    e.DatabaseName,
			QueryType:       e.QueryType,
			TableName:       e.TableName,
			ExecutionTimeMS: *e.ExecutionTimeMS,
			RowsAffected:    e.RowsAffected,
			QueryHash:       e.QueryHash,
		})
		return "bronze.db_query_perf", err
	case events.BusinessFields:
		row, err := businessRow(p, e, raw, receivedAt)
		if err != nil {
			return "", err
		}
		_, err = w.InsertBusiness(ctx, row)
		return "bronze.business_events", err
	}
	return "", nil
}

// businessRow builds the business_events row. An explicit string payload is
// stored verbatim; anything else is wrapped with the event and the raw input.
func businessRow(p *events.Parsed, e events.BusinessFields, raw map[string]any, receivedAt time.Time) (bronze.BusinessRow, error) {
	base := e.Common()
	service, correlationID, entityID := e.Business()

	var payload string
	if b, ok := e.(*events.Business); ok {
		payload, _ = b.Payload.(string)
	}
	if payload == "" {
		b, err := fingerprint.StableJSON(map[string]any{
			"event":       p.Dump(),
			"received_at": receivedAt.UTC().Format(time.RFC3339Nano),
			"raw":         raw,
		})
		if err != nil {
			return bronze.BusinessRow{}, fmt.Errorf("encode payload: %w", err)
		}
		payload = string(b)
	}

	return bronze.BusinessRow{
		EventID:        base.EventID,
		EventTimestamp: base.EventTimestamp.Time,
		CorrelationID:  bronze.Str(correlationID, 0),
		Service:        service,
		EventType:      base.EventType,
		UserID:         base.UserID,
		EntityID:       bronze.Str(entityID, 0),
		Payload:        payload,
	}, nil
}

// mergeProperties folds the declared properties, the undeclared top-level
// fields, a _meta block and the raw input into one JSON object.
func mergeProperties(p *events.Parsed, raw map[string]any, receivedAt time.Time) (*string, error) {
	base := p.Event.Common()
	merged := map[string]any{}
	for k, v := range base.Properties {
		merged[k] = v
	}
	for k, v := range p.Extra {
		merged[k] = v
	}
	merged["_meta"] = map[string]any{
		"event_id":    base.EventID.String(),
		"event_type":  base.EventType,
		"source":      base.Source,
		"received_at": receivedAt.UTC().Format(time.RFC3339Nano),
	}
	if _, ok := merged["_raw"]; !ok {
		merged["_raw"] = raw
	}
	b, err := fingerprint.StableJSON(merged)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	s := string(b)
	return &s, nil
}

// filters keeps a string as is and renders an object as JSON.
func filters(v any) *string {
	switch f := v.(type) {
	case nil:
		return nil
	case string:
		return &f
	default:
		b, err := fingerprint.StableJSON(f)
		if err != nil {
			return nil
		}
		s := string(b)
		return &s
	}
}
