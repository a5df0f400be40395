package memtable

// RefList combines the active memtable and the frozen ones into one
// snapshot slice, taking a reference on each so a flush cannot pull
// them out from under a reader.
func RefList(active *MemTable, frozen []*MemTable) []*MemTable {
	mems := make([]*MemTable, 0, len(frozen)+1)
	mems = append(mems, active)
	mems = append(mems, frozen...)
	for _, m := range mems {
		m.Ref()
	}
	return mems
}

// UnrefList releases the references taken by RefList.
func UnrefList(mems []*MemTable) {
	for _, m := range mems {
		m.Unref()
	}
}
