//go:generate mockgen -destination "mock_ce_test.go" -package $GOPACKAGE -write_package_comment=false github.com/sarchlab/gpumem/mem/ce Executor,Fence

package vidmem
