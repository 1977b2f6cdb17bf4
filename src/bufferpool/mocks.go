package bufferpool

import (
	"github.com/stretchr/testify/mock"

	"github.com/Blackdeer1524/SimpleDB/src/pkg/common"
)

type MockPageStore struct {
	mock.Mock
}

var _ PageStore = &MockPageStore{}

func (m *MockPageStore) ReadPage(pageIdent common.PageIdentity) ([]byte, error) {
	args := m.Called(pageIdent)

	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockPageStore) WritePage(pageIdent common.PageIdentity, data []byte) error {
	args := m.Called(pageIdent, data)
	return args.Error(0)
}

func (m *MockPageStore) AllocatePage(fileID common.FileID) (common.PageIdentity, error) {
	args := m.Called(fileID)
	return args.Get(0).(common.PageIdentity), args.Error(1)
}

type MockReplacer struct {
	mock.Mock
}

var _ Replacer = &MockReplacer{}

func (m *MockReplacer) Pin(pageIdent common.PageIdentity) {
	m.Called(pageIdent)
}

func (m *MockReplacer) Unpin(pageIdent common.PageIdentity) {
	m.Called(pageIdent)
}

func (m *MockReplacer) ChooseVictim() (common.PageIdentity, error) {
	args := m.Called()
	return args.Get(0).(common.PageIdentity), args.Error(1)
}

func (m *MockReplacer) GetSize() uint64 {
	args := m.Called()
	return args.Get(0).(uint64)
}
