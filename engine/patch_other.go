//go:build !amd64 && !arm64

package engine

// No jump encoding exists for this architecture, so every hook fails with
// ErrNotHookable.

const resumeOff = 0

type prologue struct{}

func analyze(uintptr, []byte) (*prologue, error) {
	return nil, errUnsupportedArch
}

func (p *prologue) resumable() bool {
	return false
}

func (p *prologue) displace(int) error {
	return errUnsupportedArch
}

func (p *prologue) trampolineSize() int {
	return 0
}

func (p *prologue) emit([]byte, uintptr) ([]byte, int, error) {
	return nil, 0, errUnsupportedArch
}

func jumpCode(Address, bool, bool) []byte {
	return nil
}

func disassemble(code []byte) (string, error) {
	return "", errUnsupportedArch
}
