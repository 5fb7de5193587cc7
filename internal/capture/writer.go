package capture

import (
	"bufio"
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// FileWriter appends frames to a classic pcap file.
type FileWriter struct {
	f  *os.File
	bw *bufio.Writer
	w  *pcapgo.Writer
	n  int
}

// Create truncates path and writes the pcap file header.
func Create(path string, snaplen uint32, lt layers.LinkType) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture: %w", err)
	}
	bw := bufio.NewWriter(f)
	w := pcapgo.NewWriter(bw)
	if err := w.WriteFileHeader(snaplen, lt); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &FileWriter{f: f, bw: bw, w: w}, nil
}

func (fw *FileWriter) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	if err := fw.w.WritePacket(ci, data); err != nil {
		return err
	}
	fw.n++
	return nil
}

// Count is the number of packets written so far.
func (fw *FileWriter) Count() int { return fw.n }

// Close flushes buffered records and closes the file.
func (fw *FileWriter) Close() error {
	if err := fw.bw.Flush(); err != nil {
		fw.f.Close()
		return fmt.Errorf("flush capture: %w", err)
	}
	return fw.f.Close()
}
