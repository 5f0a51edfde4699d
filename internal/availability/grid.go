package availability

// Grid describes the candidate slot layout for one provider day. It is
// configuration, not algorithm: deployments tune the hours and slot size
// without touching the enumeration below.
type Grid struct {
	StartHour   int
	EndHour     int
	SlotMinutes int
}

// DefaultGrid is the clinic-wide 09:00-17:00 day in 30 minute slots.
func DefaultGrid() Grid {
	return Grid{StartHour: 9, EndHour: 17, SlotMinutes: 30}
}

func (g Grid) valid() bool {
	return g.SlotMinutes > 0 && g.StartHour >= 0 && g.EndHour <= 24 && g.StartHour < g.EndHour
}

// Slots returns every candidate start minute in the grid, ascending.
func (g Grid) Slots() []int {
	if !g.valid() {
		return nil
	}
	var slots []int
	for m := g.StartHour * 60; m < g.EndHour*60; m += g.SlotMinutes {
		slots = append(slots, m)
	}
	return slots
}

// OpenSlots returns the grid minus slots whose exact start minute is booked.
func (g Grid) OpenSlots(booked map[int]bool) []int {
	all := g.Slots()
	open := make([]int, 0, len(all))
	for _, m := range all {
		if !booked[m] {
			open = append(open, m)
		}
	}
	return open
}
