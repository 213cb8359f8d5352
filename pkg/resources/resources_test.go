/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package resources

import "testing"

func TestEnoughReflexive(t *testing.T) {
	a := Resources{CPU: 1000, Memory: 1024, NvidiaGPU: 1}
	if !a.Enough(a) {
		t.Fatalf("Enough(a, a) should be true")
	}
}

func TestConsumeSelfZeroes(t *testing.T) {
	a := Resources{CPU: 1000, Memory: 1024, EphemeralStorage: 512, NvidiaGPU: 1, WorkerSlots: 1}
	a.Consume(a, 1)
	want := Resources{}
	if a != want {
		t.Fatalf("consuming all resources should zero out, got %+v", a)
	}
}

func TestConsumeSaturatesAtZero(t *testing.T) {
	a := Resources{CPU: 500}
	a.Consume(Resources{CPU: 1000}, 1)
	if a.CPU != 0 {
		t.Fatalf("expected saturating subtract to clamp at zero, got %d", a.CPU)
	}
}

func TestEnoughComponentwise(t *testing.T) {
	have := Resources{CPU: 2000, Memory: 4096}
	cases := []struct {
		want Resources
		ok   bool
	}{
		{Resources{CPU: 1000, Memory: 1024}, true},
		{Resources{CPU: 2000, Memory: 4096}, true},
		{Resources{CPU: 3000, Memory: 1024}, false},
		{Resources{CPU: 1000, Memory: 8192}, false},
		{Resources{NvidiaGPU: 1}, false},
	}
	for _, c := range cases {
		if got := have.Enough(c.want); got != c.ok {
			t.Errorf("Enough(%+v, %+v) = %v, want %v", have, c.want, got, c.ok)
		}
	}
}

func TestSomeRequiresBothCPUAndMemory(t *testing.T) {
	if (Resources{CPU: 1}).Some() {
		t.Fatalf("cpu alone should not be Some()")
	}
	if (Resources{Memory: 1}).Some() {
		t.Fatalf("memory alone should not be Some()")
	}
	if !(Resources{CPU: 1, Memory: 1}).Some() {
		t.Fatalf("cpu+memory should be Some()")
	}
}

func TestParseMillicores(t *testing.T) {
	v, err := Parse("2500m")
	if err != nil {
		t.Fatal(err)
	}
	if v != 2500 {
		t.Fatalf("got %d want 2500", v)
	}
	v, err = Parse("2.5 cores")
	if err != nil {
		t.Fatal(err)
	}
	if v != 2500 {
		t.Fatalf("got %d want 2500", v)
	}
}

func TestParseMebibytes(t *testing.T) {
	v, err := ParseMebibytes("2Gi")
	if err != nil {
		t.Fatal(err)
	}
	if v != 2048 {
		t.Fatalf("got %d want 2048", v)
	}
}

func TestCPUMemCompareOrdersByCPUThenMemory(t *testing.T) {
	a := Resources{CPU: 1000, Memory: 1000}
	b := Resources{CPU: 2000, Memory: 500}
	if a.CPUMemCompare(b) >= 0 {
		t.Fatalf("a should sort before b by cpu")
	}
	c := Resources{CPU: 1000, Memory: 2000}
	if a.CPUMemCompare(c) >= 0 {
		t.Fatalf("a should sort before c by memory when cpu ties")
	}
}
