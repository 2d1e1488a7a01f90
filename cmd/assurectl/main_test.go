package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/mbd888/assured/internal/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeygen(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"keygen"}, &out))

	var key map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &key))
	s, err := signerFromSeed(key["seed"])
	require.NoError(t, err)
	assert.Equal(t, key["address"], s.Address())
}

func TestSignMirror(t *testing.T) {
	s, err := trust.GenerateSigner()
	require.NoError(t, err)

	var out bytes.Buffer
	err = run([]string{"sign-mirror", "--seed", s.Seed(), "--service", "weather", "https://a.example/v1/paid/weather"}, &out)
	require.NoError(t, err)

	var doc struct {
		Signer  string         `json:"signer"`
		Mirrors []trust.Mirror `json:"mirrors"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	assert.Equal(t, s.Address(), doc.Signer)
	checks := trust.CheckMirrors("weather", doc.Mirrors, doc.Signer)
	require.Len(t, checks, 1)
	assert.True(t, checks[0].OK)
}

func TestSignMirror_RequiresService(t *testing.T) {
	err := run([]string{"sign-mirror", "--seed", "00", "https://a.example"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "--service")
}

func TestVerifyTrace(t *testing.T) {
	s, err := trust.GenerateSigner()
	require.NoError(t, err)
	payload := []byte(`{"tempC":17.5}`)
	hash := trust.HashHex(payload)
	sig := s.SignTrace("call-1", hash, 1_700_000_000_000)

	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	args := []string{"verify-trace",
		"--call-id", "call-1",
		"--response-hash", hash,
		"--delivered-at", strconv.FormatInt(1_700_000_000_000, 10),
		"--signature", sig,
		"--signer", s.Address(),
		"--payload-file", path,
	}

	var out bytes.Buffer
	require.NoError(t, run(args, &out))
	assert.Contains(t, out.String(), `"verified": true`)

	args[6] = "1700000000001"
	out.Reset()
	assert.ErrorIs(t, run(args, &out), errVerificationFailed)
	assert.Contains(t, out.String(), "signature does not match")
}

func TestUnknownCommand(t *testing.T) {
	assert.ErrorContains(t, run([]string{"launch"}, &bytes.Buffer{}), "unknown command")
}

func TestPay_RequiresService(t *testing.T) {
	assert.ErrorContains(t, run([]string{"pay"}, &bytes.Buffer{}), "--service")
}
