package gvm

import "testing"

const sampleReport = `<report id="rep-9" format_id="fmt-xml" extension="xml" content_type="text/xml">
  <report id="rep-9" type="scan">
    <scan_run_status>Done</scan_run_status>
    <results start="1" max="-1">
      <result id="r1">
        <host>10.0.0.5<asset asset_id="a1"/></host>
        <port>22/tcp</port>
        <threat>High</threat>
        <severity>9.8</severity>
      </result>
      <result id="r2">
        <host>10.0.0.5<asset asset_id="a1"/></host>
        <port>80/tcp</port>
        <threat>Medium</threat>
        <severity>5.4</severity>
      </result>
      <result id="r3">
        <host>10.0.0.6<asset asset_id="a2"/></host>
        <port>443/tcp</port>
        <threat>High</threat>
        <severity>8.1</severity>
      </result>
      <result id="r4">
        <host>10.0.0.6<asset asset_id="a2"/></host>
        <port>general/tcp</port>
        <threat>Low</threat>
        <severity>2.0</severity>
      </result>
      <result id="r5">
        <host>10.0.0.6<asset asset_id="a2"/></host>
        <port>general/tcp</port>
        <threat>Log</threat>
        <severity>0.0</severity>
      </result>
      <result id="r6">
        <host>10.0.0.6<asset asset_id="a2"/></host>
        <port>general/tcp</port>
        <threat>Log</threat>
        <severity>0.0</severity>
      </result>
    </results>
    <host>
      <ip>10.0.0.5</ip>
      <start>2024-01-01T00:00:00Z</start>
      <end>2024-01-01T00:30:00Z</end>
    </host>
    <host>
      <ip>10.0.0.6</ip>
      <start>2024-01-01T00:00:00Z</start>
      <end>2024-01-01T00:31:00Z</end>
    </host>
  </report>
</report>`

func TestParseReportSummaryCounts(t *testing.T) {
	summary := ParseReportSummary(sampleReport)

	if summary.VulnsHigh != 2 {
		t.Errorf("expected 2 high, got %d", summary.VulnsHigh)
	}
	if summary.VulnsMedium != 1 {
		t.Errorf("expected 1 medium, got %d", summary.VulnsMedium)
	}
	if summary.VulnsLow != 1 {
		t.Errorf("expected 1 low, got %d", summary.VulnsLow)
	}
	if summary.VulnsLog != 2 {
		t.Errorf("expected 2 log, got %d", summary.VulnsLog)
	}
	if summary.HostsScanned != 2 {
		t.Errorf("expected 2 distinct hosts, got %d", summary.HostsScanned)
	}
}

func TestParseReportSummaryThreatCase(t *testing.T) {
	report := `<report><results>
		<result><host>10.0.0.1</host><threat>HIGH</threat></result>
		<result><host>10.0.0.1</host><threat>medium</threat></result>
		<result><host>10.0.0.1</host><threat> Low </threat></result>
	</results></report>`

	summary := ParseReportSummary(report)
	if summary.VulnsHigh != 1 || summary.VulnsMedium != 1 || summary.VulnsLow != 1 {
		t.Errorf("threat matching should ignore case and whitespace: %+v", summary)
	}
}

func TestParseReportSummaryUnknownThreat(t *testing.T) {
	report := `<report><results>
		<result><host>10.0.0.1</host><threat>Alarm</threat></result>
		<result><host>10.0.0.1</host><threat></threat></result>
		<result><host>10.0.0.1</host></result>
	</results></report>`

	summary := ParseReportSummary(report)
	if summary.VulnsHigh+summary.VulnsMedium+summary.VulnsLow+summary.VulnsLog != 0 {
		t.Errorf("unknown threats must not be counted: %+v", summary)
	}
	if summary.HostsScanned != 1 {
		t.Errorf("expected 1 host, got %d", summary.HostsScanned)
	}
}

func TestParseReportSummaryDistinctHosts(t *testing.T) {
	report := `<report>
		<results>
			<result><host>10.0.0.1</host><threat>High</threat></result>
			<result><host>10.0.0.2</host><threat>High</threat></result>
		</results>
		<host><ip>10.0.0.1</ip></host>
		<host><ip>10.0.0.3</ip></host>
		<host>10.0.0.4</host>
	</report>`

	summary := ParseReportSummary(report)
	if summary.HostsScanned != 4 {
		t.Errorf("expected 4 distinct hosts, got %d", summary.HostsScanned)
	}
}

func TestParseReportSummaryMalformed(t *testing.T) {
	for _, report := range []string{
		"",
		"not xml at all",
		"<report><results><result><threat>High</threat>",
		"<report></mismatched>",
	} {
		if summary := ParseReportSummary(report); summary != (ReportSummary{}) {
			t.Errorf("expected zero summary for %q, got %+v", report, summary)
		}
	}
}
