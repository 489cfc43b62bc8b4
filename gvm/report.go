package gvm

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// ReportSummary is the condensed view of an engine report stored next to the
// raw XML and served by the API.
type ReportSummary struct {
	HostsScanned int `json:"hosts_scanned"`
	VulnsHigh    int `json:"vulns_high"`
	VulnsMedium  int `json:"vulns_medium"`
	VulnsLow     int `json:"vulns_low"`
	VulnsLog     int `json:"vulns_log"`
}

type reportResult struct {
	Host   string `xml:"host"`
	Threat string `xml:"threat"`
}

type reportHost struct {
	IP   string `xml:"ip"`
	Text string `xml:",chardata"`
}

// ParseReportSummary extracts severity counts and the number of distinct
// hosts from a report blob. A malformed or empty report yields all zeros;
// the raw XML is kept as-is regardless, so nothing is lost by not erroring.
func ParseReportSummary(reportXML string) ReportSummary {
	var summary ReportSummary
	hosts := make(map[string]struct{})

	dec := xml.NewDecoder(strings.NewReader(reportXML))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ReportSummary{}
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "result":
			var result reportResult
			if err := dec.DecodeElement(&result, &start); err != nil {
				return ReportSummary{}
			}
			switch strings.ToLower(strings.TrimSpace(result.Threat)) {
			case "high":
				summary.VulnsHigh++
			case "medium":
				summary.VulnsMedium++
			case "low":
				summary.VulnsLow++
			case "log":
				summary.VulnsLog++
			}
			if host := strings.TrimSpace(result.Host); host != "" {
				hosts[host] = struct{}{}
			}
		case "host":
			var host reportHost
			if err := dec.DecodeElement(&host, &start); err != nil {
				return ReportSummary{}
			}
			id := strings.TrimSpace(host.IP)
			if id == "" {
				id = strings.TrimSpace(host.Text)
			}
			if id != "" {
				hosts[id] = struct{}{}
			}
		}
	}

	summary.HostsScanned = len(hosts)
	return summary
}
