package snapshot

import (
	"bytes"
	"fmt"
)

// Diff lists the differences in durable room state between a and b. Header
// timestamps and LastSavedMS are not compared.
func Diff(a, b RoomSnapshotV1) []string {
	var out []string
	if !bytes.Equal(a.FileHash, b.FileHash) {
		out = append(out, fmt.Sprintf("file_hash: %x != %x", a.FileHash, b.FileHash))
	}
	out = append(out, diffItems("base_queue", a.BaseQueue, b.BaseQueue)...)

	qa, qb := map[uint8][]ItemV1{}, map[uint8][]ItemV1{}
	for _, q := range a.PlayerQueues {
		qa[q.World] = q.Items
	}
	for _, q := range b.PlayerQueues {
		qb[q.World] = q.Items
	}
	for _, w := range unionWorlds(qa, qb) {
		ia, oka := qa[w]
		ib, okb := qb[w]
		switch {
		case !oka:
			out = append(out, fmt.Sprintf("queue %d: only in second (%d items)", w, len(ib)))
		case !okb:
			out = append(out, fmt.Sprintf("queue %d: only in first (%d items)", w, len(ia)))
		default:
			out = append(out, diffItems(fmt.Sprintf("queue %d", w), ia, ib)...)
		}
	}

	na, nb := map[uint8][8]byte{}, map[uint8][8]byte{}
	for _, p := range a.Players {
		na[p.World] = p.Name
	}
	for _, p := range b.Players {
		nb[p.World] = p.Name
	}
	for _, w := range unionWorlds(na, nb) {
		if na[w] != nb[w] {
			out = append(out, fmt.Sprintf("player %d: name %x != %x", w, na[w], nb[w]))
		}
	}

	pa, pb := map[uint8]uint32{}, map[uint8]uint32{}
	for _, p := range a.Progressive {
		pa[p.World] = p.State
	}
	for _, p := range b.Progressive {
		pb[p.World] = p.State
	}
	for _, w := range unionWorlds(pa, pb) {
		va, oka := pa[w]
		vb, okb := pb[w]
		if va != vb || oka != okb {
			out = append(out, fmt.Sprintf("progressive %d: %#x != %#x", w, va, vb))
		}
	}
	return out
}

func diffItems(label string, a, b []ItemV1) []string {
	if len(a) != len(b) {
		return []string{fmt.Sprintf("%s: %d items != %d items", label, len(a), len(b))}
	}
	for i := range a {
		if a[i] != b[i] {
			return []string{fmt.Sprintf("%s[%d]: %+v != %+v", label, i, a[i], b[i])}
		}
	}
	return nil
}

func unionWorlds[V any](a, b map[uint8]V) []uint8 {
	var seen [256]bool
	for w := range a {
		seen[w] = true
	}
	for w := range b {
		seen[w] = true
	}
	var out []uint8
	for w, ok := range seen {
		if ok {
			out = append(out, uint8(w))
		}
	}
	return out
}
