package projector

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/maumercado/task-queue-go/internal/apperr"
	"github.com/maumercado/task-queue-go/internal/metrics"
)

// Options carries get_scan_results's parameters, per spec.md §4.7.
type Options struct {
	SchemaProfile Profile
	CustomFields  []string
	Filters       map[string]string
	Page          int
	PageSize      int
}

type schemaRecord struct {
	Type                 string      `json:"type"`
	Profile              string      `json:"profile"`
	Fields               interface{} `json:"fields"`
	FiltersApplied       []string    `json:"filters_applied"`
	TotalVulnerabilities int         `json:"total_vulnerabilities"`
	TotalPages           int         `json:"total_pages"`
}

type scanMetadataRecord struct {
	Type       string `json:"type"`
	ReportName string `json:"report_name"`
	HostCount  int    `json:"host_count"`
}

type vulnerabilityRecord struct {
	Type string `json:"type"`
	rawRecord
}

func (v vulnerabilityRecord) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(v.rawRecord)+1)
	for k, val := range v.rawRecord {
		flat[k] = val
	}
	flat["type"] = v.Type
	return json.Marshal(flat)
}

type paginationRecordWrapper struct {
	Type string `json:"type"`
	paginationResult
}

// Render runs the full pipeline over artifact bytes and writes
// line-delimited JSON per spec.md §4.7's record order. The pipeline is
// pure: identical data + opts always produce identical bytes.
func Render(data []byte, opts Options) ([]byte, error) {
	start := time.Now()
	profileLabel := string(opts.SchemaProfile)
	if profileLabel == "" {
		profileLabel = string(DefaultProfile)
	}
	defer func() {
		metrics.RecordProjectorRender(profileLabel, time.Since(start).Seconds())
	}()

	doc, err := parse(data)
	if err != nil {
		return nil, err
	}

	fields, all, err := resolveFields(opts.SchemaProfile, opts.CustomFields)
	if err != nil {
		return nil, err
	}

	filterPred, err := compileFilters(opts.Filters)
	if err != nil {
		return nil, err
	}

	var filtered []rawRecord
	for _, r := range doc.records {
		if filterPred(r) {
			filtered = append(filtered, r)
		}
	}

	page, pagination := paginate(filtered, opts.Page, opts.PageSize)

	projected := make([]rawRecord, len(page))
	for i, r := range page {
		projected[i] = project(r, fields, all)
	}

	totalPages := 1
	if pagination != nil {
		totalPages = pagination.TotalPages
	} else if opts.PageSize > 0 {
		ps := clampPageSize(opts.PageSize)
		totalPages = (len(filtered) + ps - 1) / ps
		if totalPages == 0 {
			totalPages = 1
		}
	}

	filterKeys := make([]string, 0, len(opts.Filters))
	for k := range opts.Filters {
		filterKeys = append(filterKeys, k)
	}
	sort.Strings(filterKeys)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	var schemaFields interface{} = fields
	if all {
		schemaFields = "all"
	}
	if err := enc.Encode(schemaRecord{
		Type:                 "schema",
		Profile:              profileLabel,
		Fields:               schemaFields,
		FiltersApplied:       filterKeys,
		TotalVulnerabilities: len(filtered),
		TotalPages:           totalPages,
	}); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "projector.Render", err)
	}

	if err := enc.Encode(scanMetadataRecord{
		Type:       "scan_metadata",
		ReportName: doc.reportName,
		HostCount:  doc.hostCount,
	}); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "projector.Render", err)
	}

	for _, r := range projected {
		if err := enc.Encode(vulnerabilityRecord{Type: "vulnerability", rawRecord: r}); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "projector.Render", err)
		}
	}

	if pagination != nil {
		if err := enc.Encode(paginationRecordWrapper{Type: "pagination", paginationResult: *pagination}); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "projector.Render", err)
		}
	}

	return buf.Bytes(), nil
}
