package identify

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"howett.net/plist"
)

// AirPlayPort is the TCP port AirPlay receivers serve /info on.
const AirPlayPort = 7000

const maxAirPlayResponseSize = 1 << 20

var errNoAirPlayInfo = errors.New("airplay: no info endpoint answered")

// AirPlay reads the plist device description an AirPlay receiver serves.
type AirPlay struct {
	Client *http.Client
	// Port overrides AirPlayPort; tests point it at a local server.
	Port int
}

// Fetch returns the flattened fields of the first endpoint that answers.
func (a *AirPlay) Fetch(ctx context.Context, host string) (map[string]string, error) {
	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	port := a.Port
	if port == 0 {
		port = AirPlayPort
	}

	var errs []error
	for _, endpoint := range []string{"info", "server-info"} {
		url := fmt.Sprintf("http://%s/%s", net.JoinHostPort(host, strconv.Itoa(port)), endpoint)
		fields, err := a.get(ctx, client, url)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(fields) > 0 {
			return fields, nil
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, errNoAirPlayInfo
}

func (a *AirPlay) get(ctx context.Context, client *http.Client, url string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("airplay: %s returned %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAirPlayResponseSize))
	if err != nil {
		return nil, err
	}
	return parseAirPlayInfo(data), nil
}

// parseAirPlayInfo flattens a top-level plist dictionary into strings.
// Anything else yields nil.
func parseAirPlayInfo(data []byte) map[string]string {
	if len(data) == 0 {
		return nil
	}
	var payload any
	if _, err := plist.Unmarshal(data, &payload); err != nil {
		return nil
	}
	dict, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	fields := make(map[string]string, len(dict))
	for key, raw := range dict {
		if value := flattenPlistValue(raw); value != "" {
			fields[key] = value
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func flattenPlistValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []byte:
		if utf8.Valid(v) && printable(v) {
			return strings.TrimSpace(string(v))
		}
		return strings.ToUpper(hex.EncodeToString(v))
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.Format(time.RFC3339)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if part := flattenPlistValue(item); part != "" {
				parts = append(parts, part)
			}
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			if part := flattenPlistValue(v[key]); part != "" {
				parts = append(parts, key+"="+part)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func printable(data []byte) bool {
	for _, r := range string(data) {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return false
		}
	}
	return true
}
