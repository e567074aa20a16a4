//go:build amd64 || arm64

package detour_test

import (
	"fmt"
	"strings"

	"github.com/pboyd/detour"
)

//go:noinline
func greeting(name string) string {
	return "Hello, " + name
}

var origGreeting = detour.NewSlot[func(string) string]("origGreeting")

func shout(name string) string {
	return strings.ToUpper(origGreeting.Get()(name)) + "!"
}

func ExampleSlot_Hook() {
	if err := origGreeting.Hook(greeting, shout); err != nil {
		fmt.Println(err)
		return
	}

	fmt.Println(greeting("gopher"))
	fmt.Println(origGreeting.Get()("gopher"))
	// Output:
	// HELLO, GOPHER!
	// Hello, gopher
}

//go:noinline
func answer() int {
	return 42
}

func ExampleInstall() {
	original, err := detour.Install(answer, func() int {
		return detour.Original(answer)() + 1
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	fmt.Println(answer(), original())
	// Output: 43 42
}
