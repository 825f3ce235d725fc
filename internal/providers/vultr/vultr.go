// Package vultr implements the provider interfaces against the Vultr
// v2 REST API. It only creates, lists and destroys instances; waiting
// for readiness is the deploy engine's job.
package vultr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/3cpo-dev/deploykit/internal/config"
	prov "github.com/3cpo-dev/deploykit/internal/providers"
)

const apiBase = "https://api.vultr.com/v2"

type Driver struct {
	cfg  config.Config
	http *prov.RetryableHTTPClient
}

func New(cfg config.Config) *Driver {
	return &Driver{
		cfg:  cfg,
		http: prov.NewRetryableHTTPClient(30*time.Second, 2),
	}
}

func (d *Driver) Name() string { return "vultr" }

type instance struct {
	ID              string `json:"id"`
	Label           string `json:"label"`
	MainIP          string `json:"main_ip"`
	V6MainIP        string `json:"v6_main_ip"`
	InternalIP      string `json:"internal_ip"`
	Status          string `json:"status"`
	PowerStatus     string `json:"power_status"`
	DefaultPassword string `json:"default_password"`
}

type listResp struct {
	Instances []instance `json:"instances"`
}

type createReq struct {
	Region   string   `json:"region"`
	Plan     string   `json:"plan"`
	OSID     string   `json:"os_id"`
	Label    string   `json:"label"`
	UserData string   `json:"user_data,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type createResp struct {
	Instance instance `json:"instance"`
}

func (d *Driver) token() (string, error) {
	t := d.cfg.Providers.Vultr.Token
	if t == "" {
		return "", fmt.Errorf("vultr token missing; set providers.vultr.token or VULTR_TOKEN")
	}
	return t, nil
}

// toNode maps a Vultr instance into the common model. Vultr reports
// a zeroed main_ip until the instance has one; filter those out so the
// readiness poller does not accept a placeholder address.
func (d *Driver) toNode(inst instance) prov.Node {
	n := prov.Node{
		ID:       inst.ID,
		UUID:     inst.ID,
		Name:     inst.Label,
		State:    mapState(inst),
		SSHUser:  d.cfg.Deploy.User,
		SSHPort:  d.cfg.Deploy.SSHPort,
		Password: inst.DefaultPassword,
	}
	for _, a := range []string{inst.MainIP, inst.V6MainIP} {
		if a != "" && a != "0.0.0.0" {
			n.PublicAddrs = append(n.PublicAddrs, a)
		}
	}
	if inst.InternalIP != "" && inst.InternalIP != "0.0.0.0" {
		n.PrivateAddrs = append(n.PrivateAddrs, inst.InternalIP)
	}
	return n
}

func mapState(inst instance) prov.State {
	switch inst.Status {
	case "active":
		if inst.PowerStatus == "stopped" {
			return prov.StateTerminated
		}
		return prov.StateRunning
	case "pending":
		return prov.StatePending
	case "resizing":
		return prov.StateRebooting
	case "suspended":
		return prov.StateError
	default:
		return prov.StateUnknown
	}
}

func (d *Driver) CreateNode(ctx context.Context, req prov.CreateRequest) (*prov.Node, error) {
	tok, err := d.token()
	if err != nil {
		return nil, err
	}
	payload := createReq{
		Region: firstNonEmpty(req.Region, d.cfg.Providers.Vultr.Region),
		Plan:   firstNonEmpty(req.Size, d.cfg.Providers.Vultr.Plan),
		OSID:   firstNonEmpty(req.Image, d.cfg.Providers.Vultr.OSID),
		Label:  req.Name,
		Tags:   append(req.Tags, d.cfg.Providers.Vultr.Tags...),
	}
	if req.UserData != "" {
		payload.UserData = base64.StdEncoding.EncodeToString([]byte(req.UserData))
	}
	var created createResp
	if err := d.doJSON(ctx, tok, http.MethodPost, apiBase+"/instances", payload, &created); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	node := d.toNode(created.Instance)
	if req.SSHUser != "" {
		node.SSHUser = req.SSHUser
	}
	if req.SSHPort != 0 {
		node.SSHPort = req.SSHPort
	}
	return &node, nil
}

func (d *Driver) ListNodes(ctx context.Context) ([]prov.Node, error) {
	tok, err := d.token()
	if err != nil {
		return nil, err
	}
	var list listResp
	if err := d.doJSON(ctx, tok, http.MethodGet, apiBase+"/instances", nil, &list); err != nil {
		return nil, err
	}
	nodes := make([]prov.Node, 0, len(list.Instances))
	for _, inst := range list.Instances {
		nodes = append(nodes, d.toNode(inst))
	}
	return nodes, nil
}

func (d *Driver) DestroyNode(ctx context.Context, id string) error {
	tok, err := d.token()
	if err != nil {
		return err
	}
	return d.doJSON(ctx, tok, http.MethodDelete, apiBase+"/instances/"+id, nil, nil)
}

func (d *Driver) doJSON(ctx context.Context, token, method, url string, body interface{}, out interface{}) error {
	var req *http.Request
	var err error
	if body != nil {
		buf, e := json.Marshal(body)
		if e != nil {
			return e
		}
		req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vultr api status %d: %s", resp.StatusCode, string(errorBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
