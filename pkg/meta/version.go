package meta

import (
	"fmt"
)

const (
	// ProtocolMagic identifies frames of the upload protocol on the wire
	ProtocolMagic = 0x54555452
	// HeaderSize is the size of every frame header in bytes
	HeaderSize = 16
)

// Following variables are filled in at build time with -ldflags -X
var (
	Version   string
	GitCommit string
	BuildDate string
)

type VersionOutput struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`

	ProtocolMagic string `json:"protocolMagic"`
	HeaderSize    int    `json:"headerSize"`
}

func GetVersion() *VersionOutput {
	return &VersionOutput{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,

		ProtocolMagic: fmt.Sprintf("0x%08x", ProtocolMagic),
		HeaderSize:    HeaderSize,
	}
}
