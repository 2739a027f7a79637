package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"accessgov/pkg/httpx"
	"accessgov/pkg/policystore"
	"accessgov/pkg/telemetry"
)

// Testable variables for main()
var (
	osExit     = os.Exit
	httpClient = telemetry.InstrumentClient(&http.Client{Timeout: 15 * time.Second})
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "validate":
		return validateBundle(args[1:], out)
	case "publish":
		return publish(ctx, args[1:], out)
	case "policy":
		return getPolicy(ctx, args[1:], out)
	case "submit":
		return submit(ctx, args[1:], out)
	case "approve", "reject":
		return decide(ctx, args[0], args[1:], out)
	case "requests":
		return listRequests(ctx, args[1:], out)
	case "grants":
		return listGrants(ctx, args[1:], out)
	case "revoke":
		return revoke(ctx, args[1:], out)
	case "renew":
		return renew(ctx, args[1:], out)
	case "audit":
		return queryAudit(ctx, args[1:], out)
	case "tick":
		return tick(ctx, args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "accessctl commands:")
	fmt.Fprintln(out, "  validate --bundle policies.yaml")
	fmt.Fprintln(out, "  publish --file policy.yaml")
	fmt.Fprintln(out, "  policy --key sales-db [--version 2]")
	fmt.Fprintln(out, "  submit --resource sales-db --role read_only [--duration 7d] [--justification text]")
	fmt.Fprintln(out, "  approve|reject --request <id> [--step 0] [--comment text]")
	fmt.Fprintln(out, "  requests [--awaiting] [--status pending_approval]")
	fmt.Fprintln(out, "  grants [--status active]")
	fmt.Fprintln(out, "  revoke --grant <id> [--reason text]")
	fmt.Fprintln(out, "  renew --grant <id>")
	fmt.Fprintln(out, "  audit [--entity <id>] [--type request] [--after-seq <n>]")
	fmt.Fprintln(out, "  tick")
	fmt.Fprintln(out, "connection flags on every remote command: --server --actor --roles --token")
	fmt.Fprintln(out, "  defaults from ACCESSCTL_SERVER, ACCESSCTL_ACTOR, ACCESSCTL_ROLES, ACCESSCTL_TOKEN")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// remote holds the connection flags shared by every server command.
type remote struct {
	server string
	actor  string
	roles  string
	token  string
}

func bindRemote(fs *flag.FlagSet) *remote {
	r := &remote{}
	fs.StringVar(&r.server, "server", envOr("ACCESSCTL_SERVER", "http://localhost:8080"), "accessd base URL")
	fs.StringVar(&r.actor, "actor", os.Getenv("ACCESSCTL_ACTOR"), "acting principal in header auth mode")
	fs.StringVar(&r.roles, "roles", os.Getenv("ACCESSCTL_ROLES"), "comma separated roles in header auth mode")
	fs.StringVar(&r.token, "token", os.Getenv("ACCESSCTL_TOKEN"), "bearer token in oidc auth modes")
	return r
}

func (r *remote) call(ctx context.Context, method, path string, body []byte, out io.Writer) error {
	headers := map[string]string{"Accept": "application/json"}
	if r.actor != "" {
		headers[httpx.ActorHeader] = r.actor
	}
	if r.roles != "" {
		headers[httpx.RolesHeader] = r.roles
	}
	if r.token != "" {
		headers["Authorization"] = "Bearer " + r.token
	}
	// Only reads retry; a retried write could act twice.
	retries := 0
	if method == http.MethodGet {
		retries = 2
	}
	status, resp, err := httpx.RequestJSON(ctx, httpClient, method, strings.TrimRight(r.server, "/")+path, body, headers, retries, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if status >= 300 {
		var e struct {
			Error      string `json:"error"`
			ReasonCode string `json:"reason_code"`
		}
		if json.Unmarshal(resp, &e) == nil && e.Error != "" {
			if e.ReasonCode != "" {
				return fmt.Errorf("%s %s: %d %s: %s", method, path, status, e.ReasonCode, e.Error)
			}
			return fmt.Errorf("%s %s: %d: %s", method, path, status, e.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, status)
	}
	return printJSON(out, resp)
}

func printJSON(out io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, werr := out.Write(raw)
		return werr
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}

func validateBundle(args []string, out io.Writer) error {
	fs := newFlagSet("validate")
	path := fs.String("bundle", "", "policy bundle file (yaml or json)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("bundle required")
	}
	bundle, err := policystore.LoadBundle(*path)
	if err != nil {
		return err
	}
	var failed int
	for _, p := range bundle.AccessPolicies {
		if err := policystore.Validate(p); err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", p.Key(), err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%d roles)\n", p.Key(), len(p.Roles))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d policies invalid", failed, len(bundle.AccessPolicies))
	}
	return nil
}

func publish(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("publish")
	r := bindRemote(fs)
	path := fs.String("file", "", "policy document (yaml or json)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("file required")
	}
	raw, err := os.ReadFile(*path)
	if err != nil {
		return fmt.Errorf("read policy: %w", err)
	}
	p, err := policystore.DecodePolicy(raw)
	if err != nil {
		return err
	}
	if err := policystore.Validate(p); err != nil {
		return err
	}
	return r.call(ctx, http.MethodPost, "/v1/policies", raw, out)
}

func getPolicy(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("policy")
	r := bindRemote(fs)
	key := fs.String("key", "", "policy key: resource name or type:<resource_type>")
	version := fs.Int("version", 0, "specific version; latest when zero")
	history := fs.Bool("history", false, "list every version")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("key required")
	}
	path := "/v1/policies/" + url.PathEscape(*key)
	switch {
	case *history:
		path += "/versions"
	case *version > 0:
		path += "?version=" + strconv.Itoa(*version)
	}
	return r.call(ctx, http.MethodGet, path, nil, out)
}

func submit(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("submit")
	r := bindRemote(fs)
	resource := fs.String("resource", "", "resource name")
	resourceType := fs.String("resource-type", "", "resource type, for type-wide policies")
	role := fs.String("role", "", "requested role")
	duration := fs.String("duration", "", "requested duration, e.g. 7d")
	justification := fs.String("justification", "", "business justification")
	permissions := fs.String("permissions", "", "comma separated subset of the role's permissions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *resource == "" || *role == "" {
		return errors.New("resource and role required")
	}
	body := map[string]any{
		"resource":      *resource,
		"resource_type": *resourceType,
		"role":          *role,
		"duration":      *duration,
		"justification": *justification,
	}
	if perms := splitCSV(*permissions); len(perms) > 0 {
		body["permissions"] = perms
	}
	raw, _ := json.Marshal(body)
	return r.call(ctx, http.MethodPost, "/v1/requests", raw, out)
}

func decide(ctx context.Context, verb string, args []string, out io.Writer) error {
	fs := newFlagSet(verb)
	r := bindRemote(fs)
	id := fs.String("request", "", "request id")
	step := fs.Int("step", -1, "approval step being decided; current step when negative")
	comment := fs.String("comment", "", "comment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("request required")
	}
	body := map[string]any{"decision": verb, "comment": *comment}
	if *step >= 0 {
		body["step"] = *step
	}
	raw, _ := json.Marshal(body)
	return r.call(ctx, http.MethodPost, "/v1/requests/"+url.PathEscape(*id)+"/decisions", raw, out)
}

func listRequests(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("requests")
	r := bindRemote(fs)
	id := fs.String("id", "", "show one request with its decisions")
	awaiting := fs.Bool("awaiting", false, "only requests awaiting the actor's decision")
	status := fs.String("status", "", "comma separated states")
	resource := fs.String("resource", "", "resource filter")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id != "" {
		return r.call(ctx, http.MethodGet, "/v1/requests/"+url.PathEscape(*id), nil, out)
	}
	q := url.Values{}
	if *awaiting {
		q.Set("awaiting", "me")
	}
	setIf(q, "status", *status)
	setIf(q, "resource", *resource)
	return r.call(ctx, http.MethodGet, withQuery("/v1/requests", q), nil, out)
}

func listGrants(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("grants")
	r := bindRemote(fs)
	id := fs.String("id", "", "show one grant")
	status := fs.String("status", "", "comma separated states")
	principal := fs.String("principal", "", "principal filter (admins only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id != "" {
		return r.call(ctx, http.MethodGet, "/v1/grants/"+url.PathEscape(*id), nil, out)
	}
	q := url.Values{}
	setIf(q, "status", *status)
	setIf(q, "principal", *principal)
	return r.call(ctx, http.MethodGet, withQuery("/v1/grants", q), nil, out)
}

func revoke(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("revoke")
	r := bindRemote(fs)
	id := fs.String("grant", "", "grant id")
	reason := fs.String("reason", "", "reason recorded in the audit trail")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("grant required")
	}
	raw, _ := json.Marshal(map[string]string{"reason": *reason})
	return r.call(ctx, http.MethodPost, "/v1/grants/"+url.PathEscape(*id)+"/revoke", raw, out)
}

func renew(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("renew")
	r := bindRemote(fs)
	id := fs.String("grant", "", "grant id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("grant required")
	}
	return r.call(ctx, http.MethodPost, "/v1/grants/"+url.PathEscape(*id)+"/renew", nil, out)
}

func queryAudit(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("audit")
	r := bindRemote(fs)
	entity := fs.String("entity", "", "entity id")
	entityType := fs.String("type", "", "entity type: policy, request or grant")
	event := fs.String("event", "", "event type")
	since := fs.Duration("since", 0, "only events newer than this")
	limit := fs.Int("limit", 0, "maximum events")
	afterSeq := fs.Int64("after-seq", 0, "resume after this sequence number (next_after_seq of the previous page)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{}
	setIf(q, "entity_id", *entity)
	setIf(q, "entity_type", *entityType)
	setIf(q, "event_type", *event)
	if *since > 0 {
		q.Set("from", time.Now().Add(-*since).UTC().Format(time.RFC3339))
	}
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	if *afterSeq > 0 {
		q.Set("after_seq", strconv.FormatInt(*afterSeq, 10))
	}
	return r.call(ctx, http.MethodGet, withQuery("/v1/audit", q), nil, out)
}

func tick(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("tick")
	r := bindRemote(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return r.call(ctx, http.MethodPost, "/v1/scheduler/tick", nil, out)
}

func setIf(q url.Values, k, v string) {
	if v = strings.TrimSpace(v); v != "" {
		q.Set(k, v)
	}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
