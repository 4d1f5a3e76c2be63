package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/platformbuilds/buildwatch/internal/models"
	"github.com/platformbuilds/buildwatch/internal/utils"
)

// JenkinsClient wraps the Jenkins JSON API as the build source and action
// executor collaborator. All calls are treated as potentially slow or failing
// network operations and are classified per the engine's error taxonomy.
type JenkinsClient struct {
	baseURL    string
	username   string
	apiToken   string
	httpClient *http.Client
}

// NewJenkinsClient constructs a client targeting the configured controller.
func NewJenkinsClient(baseURL, username, apiToken string, timeout time.Duration) *JenkinsClient {
	return &JenkinsClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type jobNode struct {
	Name string    `json:"name"`
	Jobs []jobNode `json:"jobs"`
}

// ListJobs enumerates job full names, descending into folders and multibranch
// projects so nested jobs come back as team/service/branch.
func (c *JenkinsClient) ListJobs(ctx context.Context) ([]string, error) {
	var response struct {
		Jobs []jobNode `json:"jobs"`
	}
	endpoint := c.baseURL + "/api/json?tree=" + url.QueryEscape("jobs[name,jobs[name,jobs[name,jobs[name]]]]")
	if err := c.getJSON(ctx, endpoint, &response); err != nil {
		return nil, fmt.Errorf("jenkins list jobs: %w", err)
	}

	var names []string
	var walk func(prefix string, nodes []jobNode)
	walk = func(prefix string, nodes []jobNode) {
		for _, node := range nodes {
			if node.Name == "" {
				continue
			}
			full := node.Name
			if prefix != "" {
				full = prefix + "/" + node.Name
			}
			if len(node.Jobs) > 0 {
				walk(full, node.Jobs)
				continue
			}
			names = append(names, full)
		}
	}
	walk("", response.Jobs)
	sort.Strings(names)
	return names, nil
}

// ListBuilds fetches builds of the job with number > sinceNumber, ascending.
func (c *JenkinsClient) ListBuilds(ctx context.Context, job string, sinceNumber int) ([]models.Build, error) {
	var response struct {
		Builds []struct {
			Number    int    `json:"number"`
			Result    string `json:"result"`
			Timestamp int64  `json:"timestamp"`
			Duration  int64  `json:"duration"`
			Building  bool   `json:"building"`
			URL       string `json:"url"`
		} `json:"builds"`
	}
	endpoint := c.jobURL(job) + "/api/json?tree=" + url.QueryEscape("builds[number,result,timestamp,duration,building,url]")
	if err := c.getJSON(ctx, endpoint, &response); err != nil {
		return nil, fmt.Errorf("jenkins list builds for %s: %w", job, err)
	}

	builds := make([]models.Build, 0, len(response.Builds))
	for _, b := range response.Builds {
		if b.Number <= sinceNumber {
			continue
		}
		result := models.BuildResult(b.Result)
		if b.Result == "" || b.Building {
			result = models.BuildRunning
		}
		builds = append(builds, models.Build{
			Job:       job,
			Number:    b.Number,
			Result:    result,
			StartedAt: time.UnixMilli(b.Timestamp),
			Duration:  time.Duration(b.Duration) * time.Millisecond,
			URL:       b.URL,
		})
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].Number < builds[j].Number })
	return builds, nil
}

// FetchLog retrieves the full console text of a build.
func (c *JenkinsClient) FetchLog(ctx context.Context, job string, number int) (string, error) {
	endpoint := fmt.Sprintf("%s/%d/consoleText", c.jobURL(job), number)
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return "", fmt.Errorf("jenkins fetch log for %s#%d: %w", job, number, err)
	}
	return string(body), nil
}

// FetchParameters retrieves the parameter set a build ran with.
func (c *JenkinsClient) FetchParameters(ctx context.Context, job string, number int) (map[string]string, error) {
	var response struct {
		Actions []struct {
			Parameters []struct {
				Name  string `json:"name"`
				Value any    `json:"value"`
			} `json:"parameters"`
		} `json:"actions"`
	}
	endpoint := fmt.Sprintf("%s/%d/api/json?tree=%s", c.jobURL(job), number, url.QueryEscape("actions[parameters[name,value]]"))
	if err := c.getJSON(ctx, endpoint, &response); err != nil {
		return nil, fmt.Errorf("jenkins fetch parameters for %s#%d: %w", job, number, err)
	}

	params := make(map[string]string)
	for _, action := range response.Actions {
		for _, p := range action.Parameters {
			if p.Name == "" {
				continue
			}
			params[p.Name] = fmt.Sprint(p.Value)
		}
	}
	return params, nil
}

// TriggerRetry schedules a new build of the job with the given parameters.
// A 4xx from Jenkins (not triggerable, bad parameters) is a rejection and must
// not be retried; network failures and 5xx are transient.
func (c *JenkinsClient) TriggerRetry(ctx context.Context, job string, _ int, parameters map[string]string) error {
	form := url.Values{}
	for name, value := range parameters {
		form.Set(name, value)
	}
	endpoint := c.jobURL(job) + "/buildWithParameters"
	if len(parameters) == 0 {
		endpoint = c.jobURL(job) + "/build"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return utils.Transient("jenkins.TriggerRetry", "trigger request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return utils.Rejected("jenkins.TriggerRetry", fmt.Sprintf("jenkins rejected trigger for %s: %s", job, resp.Status), nil)
	default:
		return utils.Transient("jenkins.TriggerRetry", fmt.Sprintf("jenkins returned %s", resp.Status), nil)
	}
}

func (c *JenkinsClient) jobURL(job string) string {
	segments := strings.Split(job, "/")
	parts := make([]string, 0, len(segments)*2)
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		parts = append(parts, "job", url.PathEscape(segment))
	}
	return c.baseURL + "/" + strings.Join(parts, "/")
}

func (c *JenkinsClient) authorize(req *http.Request) {
	if c.username != "" || c.apiToken != "" {
		req.SetBasicAuth(c.username, c.apiToken)
	}
}

func (c *JenkinsClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	if c.baseURL == "" {
		return nil, utils.Fatal("jenkins.get", "jenkins base URL not configured", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, utils.Transient("jenkins.get", "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.Transient("jenkins.get", "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, utils.Rejected("jenkins.get", fmt.Sprintf("jenkins returned %s", resp.Status), nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, utils.Transient("jenkins.get", fmt.Sprintf("jenkins returned %s", resp.Status), nil)
	default:
		return nil, utils.Rejected("jenkins.get", fmt.Sprintf("jenkins returned %s", resp.Status), nil)
	}
}

func (c *JenkinsClient) getJSON(ctx context.Context, endpoint string, out any) error {
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
