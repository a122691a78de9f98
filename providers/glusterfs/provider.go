// Command glusterfs is a cinderhost storage backend plugin for the Cinder
// GlusterFS volume driver.
//
// Built for wasip1 (see exports_wasip1.go) it is loaded by the plugin host as
// provider "plugin:glusterfs". Built natively it reads a provider context as
// JSON on stdin and prints the contribution, which helps when writing
// attribute files.
package main

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const (
	// DefaultSharesConfig is where the driver reads its share list.
	DefaultSharesConfig = "/etc/cinder/glusterfs_shares"

	// DefaultClientPackage provides mount.glusterfs.
	DefaultClientPackage = "glusterfs-client"

	volumeService = "service[cinder-volume]"
)

// share is host:/volume or host:volume.
var share = regexp.MustCompile(`^[A-Za-z0-9.-]+:/?[A-Za-z0-9._-]+$`)

// providerContext mirrors the JSON the host sends to every entry point.
type providerContext struct {
	Backend        string            `json:"backend"`
	Settings       map[string]string `json:"settings"`
	Packages       []string          `json:"packages,omitempty"`
	PackageState   string            `json:"package_state"`
	PackageOptions string            `json:"package_options,omitempty"`
}

func (pc providerContext) setting(key, def string) string {
	if v := strings.TrimSpace(pc.Settings[key]); v != "" {
		return v
	}
	return def
}

type resourceSpec struct {
	Kind       string            `json:"kind"`
	Identifier string            `json:"identifier"`
	State      string            `json:"state"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (r resourceSpec) id() string {
	return r.Kind + "[" + r.Identifier + "]"
}

type notification struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Action string `json:"action"`
	Timing string `json:"timing"`
}

// response is the envelope the host decodes. MissingKey reports an absent
// required setting; Error any other invalid input.
type response struct {
	Error         string         `json:"error,omitempty"`
	MissingKey    string         `json:"missing_key,omitempty"`
	Specs         []resourceSpec `json:"specs,omitempty"`
	Notifications []notification `json:"notifications,omitempty"`
}

// shares splits the comma or whitespace separated share list.
func shares(pc providerContext) []string {
	return strings.FieldsFunc(pc.setting("shares", ""), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n'
	})
}

func validate(pc providerContext) response {
	list := shares(pc)
	if len(list) == 0 {
		return response{MissingKey: "shares"}
	}
	for _, s := range list {
		if !share.MatchString(s) {
			return response{Error: fmt.Sprintf("shares: %q is not a host:/volume share", s)}
		}
	}
	if p := pc.setting("shares_config", DefaultSharesConfig); !path.IsAbs(p) || strings.Contains(p, "/../") {
		return response{Error: "shares_config must be an absolute path"}
	}
	for _, srv := range backupServers(pc) {
		if strings.ContainsAny(srv, ": \t") {
			return response{Error: fmt.Sprintf("backup_servers: %q is not a host name", srv)}
		}
	}
	return response{}
}

func backupServers(pc providerContext) []string {
	return strings.FieldsFunc(pc.setting("backup_servers", ""), func(r rune) bool {
		return r == ',' || r == ' '
	})
}

// renderShares writes one share per line. Backup volfile servers apply to
// every share.
func renderShares(pc providerContext) string {
	var opts string
	if servers := backupServers(pc); len(servers) > 0 {
		opts = " -o backup-volfile-servers=" + strings.Join(servers, ":")
	}
	var b strings.Builder
	for _, s := range shares(pc) {
		b.WriteString(s)
		b.WriteString(opts)
		b.WriteByte('\n')
	}
	return b.String()
}

func contribute(pc providerContext) response {
	if resp := validate(pc); resp.Error != "" || resp.MissingKey != "" {
		return resp
	}

	packages := pc.Packages
	if len(packages) == 0 {
		packages = []string{DefaultClientPackage}
	}
	state := pc.PackageState
	if state == "" {
		state = "installed"
	}

	var resp response
	for _, name := range packages {
		spec := resourceSpec{Kind: "package", Identifier: name, State: state}
		if pc.PackageOptions != "" {
			spec.Attributes = map[string]string{"options": pc.PackageOptions}
		}
		resp.Specs = append(resp.Specs, spec)
	}

	config := resourceSpec{
		Kind:       "file",
		Identifier: pc.setting("shares_config", DefaultSharesConfig),
		State:      "present",
		Attributes: map[string]string{
			"content": renderShares(pc),
			"mode":    "0640",
			"owner":   "root",
			"group":   pc.setting("group", "cinder"),
		},
	}
	resp.Specs = append(resp.Specs, config)
	resp.Notifications = []notification{{
		Source: config.id(),
		Target: volumeService,
		Action: "restart",
		Timing: "delayed",
	}}
	return resp
}
