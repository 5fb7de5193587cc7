// Package report summarizes reassembled sessions as a table.
package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/samber/lo"

	"stethoscope/pcapsessions/internal/flow"
	"stethoscope/pcapsessions/internal/packet"
	"stethoscope/pcapsessions/internal/reassembly"
)

// Status is the per-session summary handed to presentation.
type Status struct {
	Quad      flow.Quad
	C2SFrames int
	S2CFrames int
	C2SBytes  int
	S2CBytes  int
	Handshake bool
	Missing   flow.Direction // empty when both directions were captured
}

// StatusOf summarizes one pair. Handshake means a SYN went client to server
// and a SYN-ACK came back.
func StatusOf(p *reassembly.SessionPair) Status {
	st := Status{
		Quad:      p.Quad,
		C2SFrames: p.ClientToServer.Len(),
		S2CFrames: p.ServerToClient.Len(),
		C2SBytes:  p.ClientToServer.PayloadLen(),
		S2CBytes:  p.ServerToClient.PayloadLen(),
	}
	switch {
	case p.ClientToServer == nil:
		st.Missing = flow.DirClientToServer
	case p.ServerToClient == nil:
		st.Missing = flow.DirServerToClient
	}
	st.Handshake = hasClass(p.ClientToServer, reassembly.ClassSyn) && hasClass(p.ServerToClient, reassembly.ClassSynAck)
	return st
}

func hasClass(f *reassembly.Flow, c reassembly.Class) bool {
	if f == nil {
		return false
	}
	return lo.ContainsBy(f.Frames, func(fr packet.Frame) bool { return reassembly.Classify(fr) == c })
}

// Statuses summarizes pairs in the order given.
func Statuses(pairs []*reassembly.SessionPair) []Status {
	return lo.Map(pairs, func(p *reassembly.SessionPair, _ int) Status { return StatusOf(p) })
}

// Table renders statuses with a header row.
func Table(statuses []Status) (string, error) {
	data := pterm.TableData{{"Client", "Server", "C>S frames", "C>S bytes", "S>C frames", "S>C bytes", "Handshake", "Missing"}}
	for _, s := range statuses {
		missing := "-"
		if s.Missing != "" {
			missing = string(s.Missing)
		}
		data = append(data, []string{
			s.Quad.Client.String(),
			s.Quad.Server.String(),
			strconv.Itoa(s.C2SFrames),
			strconv.Itoa(s.C2SBytes),
			strconv.Itoa(s.S2CFrames),
			strconv.Itoa(s.S2CBytes),
			yesNo(s.Handshake),
			missing,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Srender()
}

// Write renders statuses to w followed by a one-line total.
func Write(w io.Writer, statuses []Status) error {
	out, err := Table(statuses)
	if err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	oneSided := lo.CountBy(statuses, func(s Status) bool { return s.Missing != "" })
	_, err = fmt.Fprintf(w, "%s\n%d session(s), %d one-sided\n", out, len(statuses), oneSided)
	return err
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
