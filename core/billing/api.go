package billing

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// APIClient is the production TransferExecutor.  It posts to the
// platform's internal transfer API and hands the raw JSON result back to
// the engine.  No timeout is set on purpose: the stagger between attempts
// is driven by absolute delays, so a hanging transfer blocks only its own
// slot, and aborting a transfer mid-flight is worse than waiting it out.
type APIClient struct {
	URL    string
	Client *http.Client
}

func (c *APIClient) Transfer(buyer, seller *Credentials, amount float64, memo string, isLoan bool) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"buyer":  buyer.UID,
		"seller": seller.UID,
		"amount": amount,
		"memo":   memo,
		"loan":   isLoan,
	})
	if err != nil {
		return nil, err
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Post(c.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
