package util

import (
	"bytes"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetupGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, false)
	defer InitLogger(false)
	defer log.SetOutput(os.Stderr)

	SetupGlobalLogger()
	log.Printf("GET /api/health %d", 200)

	assert.Contains(t, buf.String(), "level=INFO")
	assert.Contains(t, buf.String(), `msg="GET /api/health 200"`)
}

func TestVerboseLoggerEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, true)
	defer InitLogger(false)

	GetLogger().Debug("Stream state changed", "state", "OPEN")
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "state=OPEN")
}
