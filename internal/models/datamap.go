package models

import (
	btr "github.com/tidwall/btree"
)

// PrimaryLabel names the main volume of a dataset.
const PrimaryLabel = ""

type labeled struct {
	label  string
	volume *Volume
}

func lessLabel(a, b interface{}) bool {
	return a.(*labeled).label < b.(*labeled).label
}

// DataMap is the intermediate representation shared by readers and writers:
// a mapping from series label to volume. Labels iterate in sorted order, so
// the primary volume ("") always comes first.
type DataMap struct {
	tree *btr.BTree
}

// NewDataMap returns an empty map.
func NewDataMap() *DataMap {
	return &DataMap{tree: btr.New(lessLabel)}
}

// Primary builds a map holding a single primary volume.
func Primary(v *Volume) *DataMap {
	m := NewDataMap()
	m.Set(PrimaryLabel, v)
	return m
}

// Set stores v under label, replacing any previous volume.
func (m *DataMap) Set(label string, v *Volume) {
	m.tree.Set(&labeled{label: label, volume: v})
}

// Get returns the volume stored under label.
func (m *DataMap) Get(label string) (*Volume, bool) {
	item := m.tree.Get(&labeled{label: label})
	if item == nil {
		return nil, false
	}
	return item.(*labeled).volume, true
}

// Delete removes label from the map.
func (m *DataMap) Delete(label string) {
	m.tree.Delete(&labeled{label: label})
}

// Len is the number of labels.
func (m *DataMap) Len() int {
	if m == nil || m.tree == nil {
		return 0
	}
	return m.tree.Len()
}

// Labels lists the labels in ascending order.
func (m *DataMap) Labels() []string {
	labels := make([]string, 0, m.Len())
	m.Each(func(label string, _ *Volume) bool {
		labels = append(labels, label)
		return true
	})
	return labels
}

// Each visits every label in ascending order until fn returns false.
func (m *DataMap) Each(fn func(label string, v *Volume) bool) {
	if m.Len() == 0 {
		return
	}
	m.tree.Ascend(nil, func(item interface{}) bool {
		l := item.(*labeled)
		return fn(l.label, l.volume)
	})
}
