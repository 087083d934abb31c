package externalaccount

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

const resourceManagerProjectURL = "https://cloudresourcemanager.googleapis.com/v1/projects/"

// GetProjectID returns the GCP project ID associated with this
// credential's audience, memoizing the result. It returns ("", nil)
// rather than an error when no project number can be derived or the
// resource-manager lookup fails — per spec §4.4, this lookup is
// best-effort.
func (c *Credentials) GetProjectID(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.hasProjectID {
		id := c.projectID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	if len(c.config.effectiveScopes()) == 0 {
		return "", nil
	}
	number := projectNumber(c.config.Audience, c.config.WorkforcePoolUserProject)
	if number == "" {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceManagerProjectURL+number, nil)
	if err != nil {
		return "", nil
	}
	if err := c.BeforeRequest(ctx, req); err != nil {
		return "", nil
	}
	resp, err := c.config.httpClient().Do(req)
	if err != nil {
		return "", nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil
	}

	var body struct {
		ProjectID string `json:"projectId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", nil
	}

	c.mu.Lock()
	c.projectID, c.hasProjectID = body.ProjectID, true
	c.mu.Unlock()
	return body.ProjectID, nil
}

// projectNumber scans audience for the segment following "projects",
// falling back to workforcePoolUserProject when that scan fails.
func projectNumber(audience, workforcePoolUserProject string) string {
	parts := strings.Split(audience, "/")
	for i, p := range parts {
		if p == "projects" && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1]
		}
	}
	return workforcePoolUserProject
}
