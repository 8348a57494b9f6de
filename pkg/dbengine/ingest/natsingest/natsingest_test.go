package natsingest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectRejectsEmptyAddress(t *testing.T) {
	_, err := Connect(Config{Subject: "dbengine.ingest"}, nil)
	require.Error(t, err)
}
