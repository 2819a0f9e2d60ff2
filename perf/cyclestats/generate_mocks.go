//go:generate mockgen -destination "mock_recorder_test.go" -package $GOPACKAGE -self_package github.com/sarchlab/gpumem/perf/cyclestats -write_package_comment=false github.com/sarchlab/gpumem/perf/cyclestats EntryRecorder,HWBuffer

package cyclestats
