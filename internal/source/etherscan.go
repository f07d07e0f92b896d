package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// EtherscanClient implements ChainSource against an Etherscan-compatible API.
type EtherscanClient struct {
	baseURL string
	apiKey  string
	client  *httpClient
}

func NewEtherscanClient(baseURL, apiKey string, rateLimit int, hc *http.Client) *EtherscanClient {
	var doer httpDoer
	if hc != nil {
		doer = hc
	}
	return &EtherscanClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  newHTTPClient(doer, NewLimiter(rateLimit)),
	}
}

type etherscanTx struct {
	Hash      string `json:"hash"`
	From      string `json:"from"`
	To        string `json:"to"`
	Value     string `json:"value"`
	TimeStamp string `json:"timeStamp"`
}

type etherscanTxResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Result  []etherscanTx `json:"result"`
}

func (c *EtherscanClient) Transfers(ctx context.Context, address string, limit int) ([]Transfer, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("sort", "desc")
	q.Set("page", "1")
	q.Set("offset", strconv.Itoa(limit))
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}

	var resp etherscanTxResponse
	if err := c.client.getJSON(ctx, c.baseURL+"/api?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("etherscan txlist %s: %w", address, err)
	}
	// Etherscan reports "no transactions found" as status 0.
	if resp.Status != "1" && !strings.Contains(strings.ToLower(resp.Message), "no transactions") {
		return nil, fmt.Errorf("etherscan txlist %s: %s", address, resp.Message)
	}

	out := make([]Transfer, 0, len(resp.Result))
	for _, tx := range resp.Result {
		ts, err := strconv.ParseInt(tx.TimeStamp, 10, 64)
		if err != nil {
			// Data error: skip the row, do not fail the batch.
			continue
		}
		value, _ := strconv.ParseFloat(tx.Value, 64)
		out = append(out, Transfer{
			TxHash:    tx.Hash,
			From:      strings.ToLower(tx.From),
			To:        strings.ToLower(tx.To),
			Value:     value / 1e18,
			Timestamp: time.Unix(ts, 0).UTC(),
		})
	}
	return out, nil
}

type etherscanContractResponse struct {
	Status string `json:"status"`
	Result []struct {
		ContractName    string `json:"ContractName"`
		ContractCreator string `json:"contractCreator"`
	} `json:"result"`
}

func (c *EtherscanClient) Contract(ctx context.Context, address string) (*ContractInfo, error) {
	q := url.Values{}
	q.Set("module", "contract")
	q.Set("action", "getsourcecode")
	q.Set("address", address)
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}

	var resp etherscanContractResponse
	if err := c.client.getJSON(ctx, c.baseURL+"/api?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("etherscan getsourcecode %s: %w", address, err)
	}

	info := &ContractInfo{Address: strings.ToLower(address)}
	if len(resp.Result) > 0 && resp.Result[0].ContractName != "" {
		info.IsContract = true
		info.Name = resp.Result[0].ContractName
		info.Deployer = strings.ToLower(resp.Result[0].ContractCreator)
	}
	return info, nil
}
