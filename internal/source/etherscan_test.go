package source

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedDoer struct {
	responses []*http.Response
	calls     int
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	if d.calls >= len(d.responses) {
		d.calls++
		return &http.Response{StatusCode: 500, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	resp := d.responses[d.calls]
	d.calls++
	return resp, nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestTransfersRetriesOnRateLimit(t *testing.T) {
	body := `{"status":"1","message":"OK","result":[
		{"hash":"0xh1","from":"0xAAA","to":"0xBBB","value":"2000000000000000000","timeStamp":"1700000000"},
		{"hash":"0xh2","from":"0xAAA","to":"0xBBB","value":"1000000000000000000","timeStamp":"not-a-number"}
	]}`
	doer := &scriptedDoer{responses: []*http.Response{
		jsonResponse(429, "slow down"),
		jsonResponse(429, "slow down"),
		jsonResponse(200, body),
	}}

	c := &EtherscanClient{baseURL: "https://api.example.org", client: newHTTPClient(doer, nil)}
	transfers, err := c.Transfers(context.Background(), "0xaaa", 50)
	require.NoError(t, err)
	assert.Equal(t, 3, doer.calls)

	// The malformed timestamp row is skipped, not fatal.
	require.Len(t, transfers, 1)
	assert.Equal(t, "0xaaa", transfers[0].From)
	assert.Equal(t, "0xbbb", transfers[0].To)
	assert.InDelta(t, 2.0, transfers[0].Value, 1e-9)
}

func TestTransfersEmptyResult(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{
		jsonResponse(200, `{"status":"0","message":"No transactions found","result":[]}`),
	}}
	c := &EtherscanClient{baseURL: "https://api.example.org", client: newHTTPClient(doer, nil)}

	transfers, err := c.Transfers(context.Background(), "0xaaa", 50)
	require.NoError(t, err)
	assert.Empty(t, transfers)
}

func TestTransfersSurfacesHardFailure(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{
		jsonResponse(403, "forbidden"),
	}}
	c := &EtherscanClient{baseURL: "https://api.example.org", client: newHTTPClient(doer, nil)}

	_, err := c.Transfers(context.Background(), "0xaaa", 50)
	assert.Error(t, err)
	assert.Equal(t, 1, doer.calls)
}

func TestContractLookup(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{
		jsonResponse(200, `{"status":"1","result":[{"ContractName":"GnosisSafeProxy","contractCreator":"0xDEP"}]}`),
	}}
	c := &EtherscanClient{baseURL: "https://api.example.org", client: newHTTPClient(doer, nil)}

	info, err := c.Contract(context.Background(), "0xAAA")
	require.NoError(t, err)
	assert.True(t, info.IsContract)
	assert.Equal(t, "GnosisSafeProxy", info.Name)
	assert.Equal(t, "0xdep", info.Deployer)
}

func TestOSINTLabelMiss(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{
		jsonResponse(200, `{"label":""}`),
	}}
	c := &OSINTClient{baseURL: "https://osint.example.org", client: newHTTPClient(doer, nil)}

	label, err := c.Label(context.Background(), "0xaaa")
	require.NoError(t, err)
	assert.Nil(t, label)
}
