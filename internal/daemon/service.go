package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/kardianos/service"

	"github.com/ardnew/cardbridge/config"
	"github.com/ardnew/cardbridge/pkg"
)

// ServiceName is the system service name.
const ServiceName = "cardbridge"

// program adapts Daemon to service.Interface.
type program struct {
	configPath string

	mutex  sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

func (p *program) Start(s service.Service) error {
	cfg, err := config.Load(p.configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	d, err := New(ctx, cfg)
	if err != nil {
		cancel()
		return err
	}

	p.mutex.Lock()
	p.cancel = cancel
	p.done = make(chan error, 1)
	done := p.done
	p.mutex.Unlock()

	go func() {
		done <- d.Run(ctx)
	}()
	pkg.LogInfo(pkg.ComponentCLI, "service started", "config", p.configPath)
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.mutex.Lock()
	cancel, done := p.cancel, p.done
	p.mutex.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := <-done
	pkg.LogInfo(pkg.ComponentCLI, "service stopped")
	return err
}

// ServiceManager installs and controls cardbridge as a system service
// that runs "cardbridge service run".
type ServiceManager struct {
	service service.Service
}

// NewServiceManager creates a manager for the service reading
// configPath.
func NewServiceManager(configPath string) (*ServiceManager, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("find executable: %w", err)
	}

	svcConfig := &service.Config{
		Name:        ServiceName,
		DisplayName: "cardbridge",
		Description: "Exposes a storage card to a USB host as a mass-storage device",
		Executable:  execPath,
		Arguments:   []string{"service", "run", "--config", configPath},
		Option: service.KeyValue{
			"Restart": "on-failure",
		},
	}

	svc, err := service.New(&program{configPath: configPath}, svcConfig)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return &ServiceManager{service: svc}, nil
}

// Install registers the service with the system.
func (sm *ServiceManager) Install() error {
	return sm.service.Install()
}

// Uninstall removes the service.
func (sm *ServiceManager) Uninstall() error {
	return sm.service.Uninstall()
}

// Start starts the installed service.
func (sm *ServiceManager) Start() error {
	return sm.service.Start()
}

// Stop stops the installed service.
func (sm *ServiceManager) Stop() error {
	return sm.service.Stop()
}

// Run runs the service in the foreground under the service manager.
func (sm *ServiceManager) Run() error {
	return sm.service.Run()
}

// Status describes the installed service state.
func (sm *ServiceManager) Status() (string, error) {
	status, err := sm.service.Status()
	if err != nil {
		return "unknown", err
	}
	return statusString(status), nil
}

// Platform returns the service system in use, such as "linux-systemd".
func (sm *ServiceManager) Platform() string {
	return sm.service.Platform()
}

func statusString(s service.Status) string {
	switch s {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	case service.StatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}
