package cmd

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/scturtle/usblink/pkg/util"
)

var (
	hooksLock sync.Mutex
	hooks     = []func(){}
)

func addShutdown(f func()) {
	hooksLock.Lock()
	defer hooksLock.Unlock()

	if len(hooks) == 0 {
		registerShutdown()
	}

	hooks = append(hooks, f)
	logrus.Debugf("Added shutdown func %v", util.GetFunctionName(f))
}

func registerShutdown() {
	c := make(chan os.Signal, 1024)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for s := range c {
			logrus.Warnf("Received signal %v to shutdown", s)
			hooksLock.Lock()
			registered := append([]func(){}, hooks...)
			hooksLock.Unlock()
			for _, hook := range registered {
				logrus.Warnf("Starting to execute registered shutdown func %v", util.GetFunctionName(hook))
				hook()
			}
			os.Exit(1)
		}
	}()
}
