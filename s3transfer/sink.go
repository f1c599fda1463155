package s3transfer

import (
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

// BufferSink collects GET data in memory.
type BufferSink struct {
	buf *manager.WriteAtBuffer
}

// NewBufferSink ...
func NewBufferSink() *BufferSink {
	return &BufferSink{buf: manager.NewWriteAtBuffer(nil)}
}

// OnBody can be used as Callbacks.OnBody.
func (s *BufferSink) OnBody(chunk []byte, offset int64) {
	// WriteAt copies and grows the buffer as needed, it does not fail.
	_, _ = s.buf.WriteAt(chunk, offset)
}

// Bytes returns the data collected so far.
func (s *BufferSink) Bytes() []byte {
	return s.buf.Bytes()
}

// recvFile receives GET parts at their offsets.
type recvFile struct {
	path string
	file *os.File
}

func openRecvFile(path string) (*recvFile, error) {
	absPath, err := pathutil.NewPathModifier().AbsPath(path)
	if err != nil {
		return nil, configError("RecvFilePath", err)
	}

	file, err := os.OpenFile(absPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, configError("RecvFilePath", err)
	}
	return &recvFile{path: absPath, file: file}, nil
}

func (f *recvFile) WriteAt(data []byte, offset int64) error {
	if _, err := f.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write %s at offset %d: %w", f.path, offset, err)
	}
	return nil
}

// close closes the file and removes it when the transfer failed.
func (f *recvFile) close(failed bool) error {
	err := f.file.Close()
	if failed {
		if removeErr := os.Remove(f.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return removeErr
		}
	}
	return err
}

// sendFile is the body source of a file backed PUT.
type sendFile struct {
	path string
	file *os.File
	size int64
}

func openSendFile(path string) (*sendFile, error) {
	absPath, err := pathutil.NewPathModifier().AbsPath(path)
	if err != nil {
		return nil, configError("SendFilePath", err)
	}

	exists, err := pathutil.NewPathChecker().IsPathExists(absPath)
	if err != nil {
		return nil, configError("SendFilePath", err)
	}
	if !exists {
		return nil, configError("SendFilePath", fmt.Errorf("%s does not exist", absPath))
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, configError("SendFilePath", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, configError("SendFilePath", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, configError("SendFilePath", fmt.Errorf("%s is a directory", absPath))
	}

	return &sendFile{path: absPath, file: file, size: info.Size()}, nil
}

func (f *sendFile) reader() io.Reader {
	return io.NewSectionReader(f.file, 0, f.size)
}

func (f *sendFile) close() error {
	return f.file.Close()
}
