package util

import "github.com/influxdata/influxdb-client-go/api/write"

// NopWriteAPI satisfies api.WriteAPI and discards everything. It is the
// default metrics sink when no influx client is configured.
type NopWriteAPI struct{}

func (m *NopWriteAPI) WriteRecord(line string) {}

func (m *NopWriteAPI) WritePoint(point *write.Point) {}

func (m *NopWriteAPI) Flush() {}

func (m *NopWriteAPI) Close() {}

// Errors returns nil; receiving from it blocks forever, which matches a
// writer that never fails.
func (m *NopWriteAPI) Errors() <-chan error { return nil }
