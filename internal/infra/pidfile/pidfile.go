// Пакет pidfile обеспечивает единственность экземпляра демона на каталог
// данных. PID-файл пишется атомарно; устаревший файл умершего процесса
// перехватывается без ручной очистки.
package pidfile

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-faster/errors"

	"telegram-syncd/internal/infra/storage"
)

// ErrAlreadyRunning — в файле записан PID живого процесса: второй экземпляр
// демона на этом каталоге данных запускать нельзя.
var ErrAlreadyRunning = errors.New("daemon already running")

// File — захваченный pid-файл. Release обязателен при штатном завершении.
type File struct {
	path string
	pid  int
}

// Acquire захватывает pid-файл по пути path. Существующий файл живого чужого
// процесса — ошибка ErrAlreadyRunning (с PID владельца в тексте); файл
// умершего процесса или собственный перезаписывается.
func Acquire(path string) (*File, error) {
	if pid, ok := readPID(path); ok && pid != os.Getpid() && processAlive(pid) {
		return nil, errors.Wrapf(ErrAlreadyRunning, "pid file %s holds live pid %d", path, pid)
	}
	self := os.Getpid()
	if err := storage.AtomicWriteFile(path, []byte(strconv.Itoa(self)+"\n")); err != nil {
		return nil, errors.Wrap(err, "write pid file")
	}
	return &File{path: path, pid: self}, nil
}

// Path возвращает путь захваченного файла.
func (f *File) Path() string { return f.path }

// Release удаляет pid-файл, если он всё ещё принадлежит этому процессу.
// Файл, перезаписанный кем-то другим, не трогается.
func (f *File) Release() error {
	if pid, ok := readPID(f.path); !ok || pid != f.pid {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove pid file")
	}
	return nil
}

// readPID читает PID из файла. false — файла нет или содержимое не число.
func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive проверяет существование процесса нулевым сигналом.
// EPERM означает «жив, но чужой» — для взаимного исключения этого достаточно.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
