package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/docker/go-units"

	"github.com/bhardwajRahul/lemonade/pkg/events"
)

// apiPath joins an endpoint path onto the configured gateway URL.
func apiPath(path string) string {
	return serverURL + "/api/v1" + path
}

// getJSON issues a GET and decodes the JSON response into target.
func getJSON(path string, target any) error {
	response, err := http.Get(apiPath(path))
	if err != nil {
		return fmt.Errorf("unable to reach the gateway at %s: %w", serverURL, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return decodeError(response)
	}
	return json.NewDecoder(response.Body).Decode(target)
}

// postJSON issues a POST with a JSON body and decodes the response.
func postJSON(path string, body, target any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	response, err := http.Post(apiPath(path), "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("unable to reach the gateway at %s: %w", serverURL, err)
	}
	defer response.Body.Close()
	if response.StatusCode >= 300 {
		return decodeError(response)
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(target)
}

// postStream issues a POST and renders the returned event stream as a
// progress line.
func postStream(out io.Writer, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	response, err := http.Post(apiPath(path), "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("unable to reach the gateway at %s: %w", serverURL, err)
	}
	defer response.Body.Close()

	err = events.Decode(response.Body, nil, func(p events.Progress) {
		if p.TotalBytes > 0 {
			fmt.Fprintf(out, "\r%s: %s / %s (%.1f%%)   ",
				p.DisplayName,
				units.BytesSize(float64(p.BytesReceived)),
				units.BytesSize(float64(p.TotalBytes)),
				p.Percent,
			)
		} else {
			fmt.Fprintf(out, "\r%s: %s   ", p.DisplayName, units.BytesSize(float64(p.BytesReceived)))
		}
	})
	fmt.Fprintln(out)
	return err
}

// decodeError surfaces the gateway's JSON error body.
func decodeError(response *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s", body.Error)
	}
	return fmt.Errorf("gateway returned %s", response.Status)
}
