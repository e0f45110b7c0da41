package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bluesky-social/netkit/netkit"

	"github.com/PuerkitoBio/purell"
	"github.com/urfave/cli/v2"
)

var endpointFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "base",
		Usage:    "scheme, host and optional path prefix of the API (eg: https://api.example.com)",
		Required: true,
		EnvVars:  []string{"NETKIT_BASE_URL"},
	},
	&cli.StringFlag{
		Name:     "route",
		Usage:    "route appended to the base URL (eg: /profiles/123)",
		Required: true,
	},
	&cli.StringFlag{
		Name:  "raw-route",
		Usage: "route template used for logs and metrics labels (eg: /profiles/{id})",
	},
	&cli.StringFlag{
		Name:  "method",
		Usage: "HTTP method",
		Value: http.MethodGet,
	},
	&cli.StringSliceFlag{
		Name:  "param",
		Usage: "query parameter as key=value (repeatable; a bare key sends no value)",
	},
	&cli.IntSliceFlag{
		Name:  "success",
		Usage: "status code accepted as success (repeatable; default is 200-399)",
	},
	&cli.IntSliceFlag{
		Name:  "inline",
		Usage: "error status code presented inline (repeatable)",
	},
	&cli.StringFlag{
		Name:  "auth",
		Usage: "authorization scheme required by the endpoint (none, basic, bearer)",
		Value: "none",
	},
	&cli.StringFlag{
		Name:  "accept",
		Usage: "accepted media type (json, image)",
		Value: "json",
	},
}

var cmdRequest = &cli.Command{
	Name:  "request",
	Usage: "perform a single endpoint request, and print the response",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  "body",
			Usage: "JSON request body",
		},
	}, endpointFlags...),
	Action: runRequest,
}

var cmdUpload = &cli.Command{
	Name:  "upload",
	Usage: "perform a multipart/form-data upload, and print the response",
	Flags: append([]cli.Flag{
		&cli.StringSliceFlag{
			Name:     "part",
			Usage:    "form part as name=path[:mime] (repeatable; mime is json, image, or a literal media type)",
			Required: true,
		},
	}, endpointFlags...),
	Action: runUpload,
}

func runRequest(cctx *cli.Context) error {
	logger := configLogger(cctx, os.Stderr)
	defer startMetrics(cctx, logger)()

	ep, err := parseEndpoint(cctx, netkit.MediaJSON)
	if err != nil {
		return err
	}
	if raw := cctx.String("body"); raw != "" {
		var body any
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			return fmt.Errorf("--body is not valid JSON: %w", err)
		}
		ep.SetBody(body)
	}

	f := configFactory(cctx, logger)
	logger.Debug("performing request", "method", ep.Method(), "url", f.URL(ep))
	resp, err := f.Request(ep).Do(cctx.Context)
	if err != nil {
		return err
	}
	return printResponse(os.Stdout, resp)
}

func runUpload(cctx *cli.Context) error {
	logger := configLogger(cctx, os.Stderr)
	defer startMetrics(cctx, logger)()

	ep, err := parseEndpoint(cctx, netkit.MediaFormData)
	if err != nil {
		return err
	}
	var parts []netkit.FormData
	for _, raw := range cctx.StringSlice("part") {
		part, err := parsePart(raw)
		if err != nil {
			return err
		}
		parts = append(parts, part)
	}

	f := configFactory(cctx, logger)
	resp, err := f.Upload(ep, parts).Do(cctx.Context)
	if err != nil {
		return err
	}
	return printResponse(os.Stdout, resp)
}

func parseEndpoint(cctx *cli.Context, contentType netkit.MediaType) (*netkit.Endpoint, error) {
	auth, ok := netkit.ParseAuthorizationType(cctx.String("auth"))
	if !ok {
		return nil, fmt.Errorf("unknown auth scheme: %s", cctx.String("auth"))
	}
	accept, err := parseMediaType(cctx.String("accept"))
	if err != nil {
		return nil, err
	}
	base, err := normalizeBase(cctx.String("base"))
	if err != nil {
		return nil, err
	}
	ep, err := netkit.NewEndpoint(base, cctx.String("route"), contentType, accept, strings.ToUpper(cctx.String("method")), auth)
	if err != nil {
		return nil, err
	}
	if raw := cctx.String("raw-route"); raw != "" {
		ep.SetRawRoute(raw)
	}
	for _, p := range cctx.StringSlice("param") {
		key, val, found := strings.Cut(p, "=")
		if !found {
			// explicit bare key
			ep.SetParameters(key, nil)
			continue
		}
		ep.AddParameter(key, val)
	}
	if codes := cctx.IntSlice("success"); len(codes) > 0 {
		ep.SetSuccessCodes(codes...)
	}
	if codes := cctx.IntSlice("inline"); len(codes) > 0 {
		ep.SetInlineCodes(codes...)
	}
	return ep, nil
}

// lower-cases scheme and host, drops default ports and a trailing slash, so that routes can be
// appended directly
func normalizeBase(raw string) (string, error) {
	base, err := purell.NormalizeURLString(raw, purell.FlagsSafe|purell.FlagRemoveTrailingSlash)
	if err != nil {
		return "", fmt.Errorf("invalid --base URL: %w", err)
	}
	return base, nil
}

func parseMediaType(raw string) (netkit.MediaType, error) {
	switch strings.ToLower(raw) {
	case "json":
		return netkit.MediaJSON, nil
	case "image":
		return netkit.MediaImage, nil
	case "form", "form-data":
		return netkit.MediaFormData, nil
	}
	if strings.Contains(raw, "/") {
		return netkit.MediaType(raw), nil
	}
	return "", fmt.Errorf("unknown media type: %s", raw)
}

// parses "name=path[:mime]"
func parsePart(raw string) (netkit.FormData, error) {
	name, rest, found := strings.Cut(raw, "=")
	if !found || name == "" || rest == "" {
		return netkit.FormData{}, fmt.Errorf("invalid --part (expected name=path[:mime]): %s", raw)
	}
	path, mimeRaw, _ := strings.Cut(rest, ":")
	mime := netkit.MediaType("")
	if mimeRaw != "" {
		m, err := parseMediaType(mimeRaw)
		if err != nil {
			return netkit.FormData{}, err
		}
		mime = m
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return netkit.FormData{}, fmt.Errorf("reading part %s: %w", name, err)
	}
	return netkit.FormData{
		Data:     data,
		Name:     name,
		Mime:     mime,
		FileName: filepath.Base(path),
	}, nil
}

func printResponse(w io.Writer, resp *netkit.NetworkResponse) error {
	slog.Debug("response", "status", resp.StatusCode, "url", resp.URL)
	fmt.Fprintf(w, "%s %s: %d %s\n", resp.Method, resp.URL, resp.StatusCode, http.StatusText(resp.StatusCode))
	if len(resp.Data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, resp.Data, "", "  "); err == nil {
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	}
	_, err := w.Write(resp.Data)
	return err
}
