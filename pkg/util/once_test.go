package util

import (
	"fmt"
	"sync"

	. "gopkg.in/check.v1"
)

func (s *TestSuite) TestOnceRetriesUntilSuccess(c *C) {
	var counter int
	var once Once
	f := func() error {
		counter++
		if counter == 1 {
			return fmt.Errorf("first call of once failed")
		}
		return nil
	}

	c.Assert(once.Do(f), NotNil)
	c.Assert(once.Do(f), IsNil)
	c.Assert(counter, Equals, 2)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Check(once.Do(f), IsNil)
		}()
	}
	wg.Wait()
	c.Assert(counter, Equals, 2)
}
