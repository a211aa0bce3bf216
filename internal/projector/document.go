// Package projector implements spec.md §4.7's parse → project → filter
// → paginate → serialize pipeline for get_scan_results. Every stage is
// a pure function over an in-memory decoded document: the same
// artifact bytes and parameters always produce byte-identical output.
package projector

import (
	"encoding/xml"
	"strconv"

	"github.com/maumercado/task-queue-go/internal/apperr"
)

// nessusDocument mirrors the subset of the .nessus report XML this
// pipeline understands, grounded on the decoder-struct approach of
// scanorama's scanning/xml.go. Only the fields schema profiles ever
// project are modeled; anything else in a real export is ignored.
type nessusDocument struct {
	XMLName xml.Name     `xml:"NessusClientData_v2"`
	Report  nessusReport `xml:"Report"`
}

type nessusReport struct {
	Name  string       `xml:"name,attr"`
	Hosts []nessusHost `xml:"ReportHost"`
}

type nessusHost struct {
	Name  string             `xml:"name,attr"`
	Items []nessusReportItem `xml:"ReportItem"`
}

type nessusReportItem struct {
	PluginID         string   `xml:"pluginID,attr"`
	PluginName       string   `xml:"pluginName,attr"`
	Severity         string   `xml:"severity,attr"`
	CVEs             []string `xml:"cve"`
	CVSSBaseScore    string   `xml:"cvss_base_score"`
	CVSS3BaseScore   string   `xml:"cvss3_base_score"`
	Synopsis         string   `xml:"synopsis"`
	Description      string   `xml:"description"`
	Solution         string   `xml:"solution"`
	ExploitAvailable string   `xml:"exploit_available"`
	RiskFactor       string   `xml:"risk_factor"`
}

// rawRecord is one vulnerability flattened to the field set schema
// profiles and filters operate over. Values are json-marshalable
// (string, float64, bool) so the projection/filter stages never need
// to know the source XML's types.
type rawRecord map[string]interface{}

// document is the parsed, flattened intermediate form the rest of the
// pipeline operates on.
type document struct {
	reportName string
	hostCount  int
	records    []rawRecord
}

// parse decodes artifact bytes into a document. Malformed XML is an
// Internal fault: the artifact was written by this module's own
// worker, so a decode failure means corruption, not a caller mistake.
func parse(data []byte) (*document, error) {
	var doc nessusDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "projector.parse", err)
	}

	out := &document{
		reportName: doc.Report.Name,
		hostCount:  len(doc.Report.Hosts),
	}
	for _, host := range doc.Report.Hosts {
		for _, item := range host.Items {
			out.records = append(out.records, flatten(host, item))
		}
	}
	return out, nil
}

func flatten(host nessusHost, item nessusReportItem) rawRecord {
	var cves interface{}
	if len(item.CVEs) > 0 {
		cves = item.CVEs
	}

	return rawRecord{
		"host":              host.Name,
		"plugin_id":         item.PluginID,
		"plugin_name":       item.PluginName,
		"severity":          parseFloat(item.Severity),
		"cve":               cves,
		"cvss_score":        parseFloat(item.CVSSBaseScore),
		"cvss3_base_score":  parseFloat(item.CVSS3BaseScore),
		"synopsis":          item.Synopsis,
		"description":       item.Description,
		"solution":          item.Solution,
		"exploit_available": item.ExploitAvailable == "true",
		"risk_factor":       item.RiskFactor,
	}
}

func parseFloat(s string) interface{} {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return f
}
