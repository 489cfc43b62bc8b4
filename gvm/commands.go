package gvm

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// entity is the id/name pair every GMP resource listing carries.
type entity struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"name"`
}

type entitiesResponse struct {
	PortLists     []entity `xml:"port_list"`
	Targets       []entity `xml:"target"`
	Tasks         []entity `xml:"task"`
	Configs       []entity `xml:"config"`
	Scanners      []entity `xml:"scanner"`
	ReportFormats []entity `xml:"report_format"`
}

type createResponse struct {
	ID string `xml:"id,attr"`
}

type startTaskResponse struct {
	ReportID string `xml:"report_id"`
}

type getTasksResponse struct {
	Tasks []taskElement `xml:"task"`
}

type taskElement struct {
	ID       string `xml:"id,attr"`
	Name     string `xml:"name"`
	Status   string `xml:"status"`
	Progress struct {
		Text string `xml:",chardata"`
	} `xml:"progress"`
}

// Ping verifies the engine answers GMP at all. Used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.command(ctx, "<get_version/>", nil)
}

// CreatePortList creates (or finds) a port list with the given name covering
// exactly the given TCP ports. Returns the engine id.
func (c *Client) CreatePortList(ctx context.Context, name string, ports []int) (string, error) {
	if id, found, err := c.findPortList(ctx, name); err != nil {
		return "", err
	} else if found {
		log.Debug().Str("probe", c.cfg.Name).Str("name", name).Str("id", id).Msg("Reusing existing port list")
		return id, nil
	}

	ranges := make([]string, len(ports))
	for i, p := range ports {
		ranges[i] = fmt.Sprintf("T:%d", p)
	}

	var resp createResponse
	req := fmt.Sprintf("<create_port_list><name>%s</name><port_range>%s</port_range></create_port_list>",
		xmlEscape(name), strings.Join(ranges, ","))
	if err := c.command(ctx, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: engine returned no id for port list %q", ErrEngineProtocol, name)
	}

	return resp.ID, nil
}

// FindPortListID resolves a port list by its exact name, e.g. the configured
// default list for full scans.
func (c *Client) FindPortListID(ctx context.Context, name string) (string, error) {
	id, found, err := c.findPortList(ctx, name)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: port list %q not found on engine", ErrEngineProtocol, name)
	}
	return id, nil
}

// CreateTarget creates (or finds) an engine target. portListID may be empty,
// in which case the engine's default applies.
func (c *Client) CreateTarget(ctx context.Context, name, host, portListID string) (string, error) {
	if id, found, err := c.findTarget(ctx, name); err != nil {
		return "", err
	} else if found {
		log.Debug().Str("probe", c.cfg.Name).Str("name", name).Str("id", id).Msg("Reusing existing target")
		return id, nil
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<create_target><name>%s</name><hosts>%s</hosts>", xmlEscape(name), xmlEscape(host))
	if portListID != "" {
		fmt.Fprintf(&buf, `<port_list id="%s"/>`, xmlEscape(portListID))
	}
	buf.WriteString("</create_target>")

	var resp createResponse
	if err := c.command(ctx, buf.String(), &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: engine returned no id for target %q", ErrEngineProtocol, name)
	}

	return resp.ID, nil
}

// CreateTask creates (or finds) a task binding the target to the configured
// scan config and scanner, both resolved by name and cached per session.
func (c *Client) CreateTask(ctx context.Context, name, targetID, configName, scannerName string) (string, error) {
	if id, found, err := c.findTask(ctx, name); err != nil {
		return "", err
	} else if found {
		log.Debug().Str("probe", c.cfg.Name).Str("name", name).Str("id", id).Msg("Reusing existing task")
		return id, nil
	}

	configID, err := c.resolveConfigID(ctx, configName)
	if err != nil {
		return "", err
	}
	scannerID, err := c.resolveScannerID(ctx, scannerName)
	if err != nil {
		return "", err
	}

	var resp createResponse
	req := fmt.Sprintf(`<create_task><name>%s</name><config id="%s"/><target id="%s"/><scanner id="%s"/></create_task>`,
		xmlEscape(name), xmlEscape(configID), xmlEscape(targetID), xmlEscape(scannerID))
	if err := c.command(ctx, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: engine returned no id for task %q", ErrEngineProtocol, name)
	}

	return resp.ID, nil
}

// StartTask starts a task and returns the report id the engine allocates.
func (c *Client) StartTask(ctx context.Context, taskID string) (string, error) {
	var resp startTaskResponse
	req := fmt.Sprintf(`<start_task task_id="%s"/>`, xmlEscape(taskID))
	if err := c.command(ctx, req, &resp); err != nil {
		return "", err
	}
	if resp.ReportID == "" {
		return "", fmt.Errorf("%w: engine returned no report id for task %s", ErrEngineProtocol, taskID)
	}
	return resp.ReportID, nil
}

// StopTask asks the engine to stop a running task. Best-effort; the caller
// decides whether failures matter.
func (c *Client) StopTask(ctx context.Context, taskID string) error {
	return c.command(ctx, fmt.Sprintf(`<stop_task task_id="%s"/>`, xmlEscape(taskID)), nil)
}

// GetTask returns the authoritative status string and progress for a task.
// Never cached; this is the poll the scan lifecycle is driven by.
func (c *Client) GetTask(ctx context.Context, taskID string) (string, int, error) {
	var resp getTasksResponse
	req := fmt.Sprintf(`<get_tasks task_id="%s"/>`, xmlEscape(taskID))
	if err := c.command(ctx, req, &resp); err != nil {
		return "", 0, err
	}
	if len(resp.Tasks) == 0 {
		return "", 0, fmt.Errorf("%w: task %s not found on engine", ErrEngineProtocol, taskID)
	}

	task := resp.Tasks[0]
	if task.Status == "" {
		return "", 0, fmt.Errorf("%w: engine returned no status for task %s", ErrEngineProtocol, taskID)
	}

	progress := 0
	if text := strings.TrimSpace(task.Progress.Text); text != "" {
		if n, err := strconv.Atoi(text); err == nil {
			progress = n
		}
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	return task.Status, progress, nil
}

// GetReport fetches the full XML report blob for a finished task. The
// engine's XML report format is resolved by name first.
func (c *Client) GetReport(ctx context.Context, reportID string) (string, error) {
	formatID, err := c.resolveReportFormatID(ctx)
	if err != nil {
		return "", err
	}

	req := fmt.Sprintf(`<get_reports report_id="%s" format_id="%s" ignore_pagination="1" details="1"/>`,
		xmlEscape(reportID), xmlEscape(formatID))
	resp, err := c.exchange(ctx, req)
	if err != nil {
		return "", err
	}
	if err := c.checkStatus(resp); err != nil {
		return "", err
	}

	report, ok := extractReportElement(resp)
	if !ok {
		return "", fmt.Errorf("%w: no report element in response for report %s", ErrEngineProtocol, reportID)
	}

	return report, nil
}

// DeleteTask removes a task from the engine, trashcan included.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.command(ctx, fmt.Sprintf(`<delete_task task_id="%s" ultimate="1"/>`, xmlEscape(taskID)), nil)
}

// DeleteTarget removes a target from the engine, trashcan included.
func (c *Client) DeleteTarget(ctx context.Context, targetID string) error {
	return c.command(ctx, fmt.Sprintf(`<delete_target target_id="%s" ultimate="1"/>`, xmlEscape(targetID)), nil)
}

// DeletePortList removes a port list from the engine, trashcan included.
func (c *Client) DeletePortList(ctx context.Context, portListID string) error {
	return c.command(ctx, fmt.Sprintf(`<delete_port_list port_list_id="%s" ultimate="1"/>`, xmlEscape(portListID)), nil)
}

func (c *Client) findPortList(ctx context.Context, name string) (string, bool, error) {
	var resp entitiesResponse
	req := fmt.Sprintf(`<get_port_lists filter="%s"/>`, nameFilter(name))
	if err := c.command(ctx, req, &resp); err != nil {
		return "", false, err
	}
	return matchByName(resp.PortLists, name)
}

func (c *Client) findTarget(ctx context.Context, name string) (string, bool, error) {
	var resp entitiesResponse
	req := fmt.Sprintf(`<get_targets filter="%s"/>`, nameFilter(name))
	if err := c.command(ctx, req, &resp); err != nil {
		return "", false, err
	}
	return matchByName(resp.Targets, name)
}

func (c *Client) findTask(ctx context.Context, name string) (string, bool, error) {
	var resp entitiesResponse
	req := fmt.Sprintf(`<get_tasks filter="%s"/>`, nameFilter(name))
	if err := c.command(ctx, req, &resp); err != nil {
		return "", false, err
	}
	for _, t := range resp.Tasks {
		if t.Name == name {
			return t.ID, true, nil
		}
	}
	return "", false, nil
}

func (c *Client) resolveConfigID(ctx context.Context, name string) (string, error) {
	c.idMu.Lock()
	cached := c.configID
	c.idMu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var resp entitiesResponse
	if err := c.command(ctx, "<get_configs/>", &resp); err != nil {
		return "", err
	}
	id, found, _ := matchByName(resp.Configs, name)
	if !found {
		return "", fmt.Errorf("%w: scan config %q not found on engine", ErrEngineProtocol, name)
	}

	c.idMu.Lock()
	c.configID = id
	c.idMu.Unlock()
	return id, nil
}

func (c *Client) resolveScannerID(ctx context.Context, name string) (string, error) {
	c.idMu.Lock()
	cached := c.scannerID
	c.idMu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var resp entitiesResponse
	if err := c.command(ctx, "<get_scanners/>", &resp); err != nil {
		return "", err
	}
	id, found, _ := matchByName(resp.Scanners, name)
	if !found {
		return "", fmt.Errorf("%w: scanner %q not found on engine", ErrEngineProtocol, name)
	}

	c.idMu.Lock()
	c.scannerID = id
	c.idMu.Unlock()
	return id, nil
}

func (c *Client) resolveReportFormatID(ctx context.Context) (string, error) {
	c.idMu.Lock()
	cached := c.reportFormatID
	c.idMu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var resp entitiesResponse
	if err := c.command(ctx, "<get_report_formats/>", &resp); err != nil {
		return "", err
	}
	id, found, _ := matchByName(resp.ReportFormats, "XML")
	if !found {
		return "", fmt.Errorf("%w: XML report format not found on engine", ErrEngineProtocol)
	}

	c.idMu.Lock()
	c.reportFormatID = id
	c.idMu.Unlock()
	return id, nil
}

func matchByName(entities []entity, name string) (string, bool, error) {
	for _, e := range entities {
		if e.Name == name {
			return e.ID, true, nil
		}
	}
	return "", false, nil
}

// nameFilter builds a GMP filter attribute value matching an exact name.
func nameFilter(name string) string {
	return xmlEscape(fmt.Sprintf("name=%q", name))
}

// extractReportElement slices the first <report> element (nested reports
// included) out of a raw get_reports response, preserving the engine's
// original bytes.
func extractReportElement(raw []byte) (string, bool) {
	start := -1
	for from := 0; from < len(raw); {
		idx := bytes.Index(raw[from:], []byte("<report"))
		if idx < 0 {
			break
		}
		pos := from + idx
		after := pos + len("<report")
		if after < len(raw) && (raw[after] == '>' || raw[after] == ' ' || raw[after] == '\t' || raw[after] == '\n' || raw[after] == '\r') {
			start = pos
			break
		}
		from = pos + 1
	}
	if start < 0 {
		return "", false
	}

	end := bytes.LastIndex(raw, []byte("</report>"))
	if end < start {
		return "", false
	}

	return string(raw[start : end+len("</report>")]), true
}
