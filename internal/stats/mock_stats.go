package stats

import "github.com/stretchr/testify/mock"

type MockStatsUpdater struct {
	mock.Mock
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) RegisterGroupMetric(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) IncrGroup(name, groupId string) {
	m.Called(name, groupId)
}
func (m *MockStatsUpdater) DropGroup(name, groupId string) {
	m.Called(name, groupId)
}
func (m *MockStatsUpdater) Run() {
	m.Called()
}
func (m *MockStatsUpdater) Stop() {
	m.Called()
}
