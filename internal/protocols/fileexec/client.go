package fileexec

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"stepflow/internal/common/errors"
)

const dialTimeout = 30 * time.Second

// Entry describes one remote file or directory.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	ModTime time.Time `json:"modTime"`
}

// remoteFS is the operation surface shared by the FTP and SFTP backends.
type remoteFS interface {
	List(dir string) ([]Entry, error)
	Get(file string) ([]byte, error)
	Put(file string, content []byte) error
	Delete(file string) error
	Rename(from, to string) error
	Mkdir(dir string) error
	Rmdir(dir string) error
	Stat(file string) (*Entry, error)
	Close() error
}

// endpoint is a parsed file-server URL.
type endpoint struct {
	scheme   string
	host     string
	port     string
	username string
	password string
	basePath string
}

// parseEndpoint splits an ftp/ftps/sftp URL into its connection parts.
// Credentials embedded in the URL win; the step's credential map fills gaps.
func parseEndpoint(rawURL string, creds map[string]string) (*endpoint, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid file server url: %v", err))
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "ftp", "ftps", "sftp":
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unsupported file server scheme %q", parsed.Scheme))
	}

	ep := &endpoint{
		scheme:   scheme,
		host:     parsed.Hostname(),
		port:     parsed.Port(),
		basePath: parsed.Path,
	}
	if ep.host == "" {
		return nil, errors.ConfigError("file server url has no host")
	}
	if ep.port == "" {
		if scheme == "sftp" {
			ep.port = "22"
		} else {
			ep.port = "21"
		}
	}

	if parsed.User != nil {
		ep.username = parsed.User.Username()
		ep.password, _ = parsed.User.Password()
	}
	if ep.username == "" {
		ep.username = creds["username"]
	}
	if ep.password == "" {
		ep.password = creds["password"]
	}
	return ep, nil
}

// resolve joins an operation path onto the endpoint's base path.
func (e *endpoint) resolve(p string) string {
	if p == "" {
		p = "/"
	}
	if strings.HasPrefix(p, "/") || e.basePath == "" {
		return path.Clean(p)
	}
	return path.Clean(path.Join(e.basePath, p))
}

func (e *endpoint) addr() string {
	return e.host + ":" + e.port
}

// dialRemote opens a connection to the endpoint with the backend matching
// its scheme.
func dialRemote(ep *endpoint) (remoteFS, error) {
	if ep.scheme == "sftp" {
		return dialSFTP(ep)
	}
	return dialFTP(ep)
}

func dialFTP(ep *endpoint) (remoteFS, error) {
	opts := []ftp.DialOption{ftp.DialWithTimeout(dialTimeout)}
	if ep.scheme == "ftps" {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: ep.host}))
	}

	conn, err := ftp.Dial(ep.addr(), opts...)
	if err != nil {
		return nil, errors.ConnectionError("ftp dial failed for "+ep.addr(), err)
	}

	username := ep.username
	if username == "" {
		username = "anonymous"
	}
	if err := conn.Login(username, ep.password); err != nil {
		conn.Quit()
		return nil, errors.ConnectionError("ftp login failed for "+ep.addr(), err)
	}
	return &ftpFS{conn: conn}, nil
}

func dialSFTP(ep *endpoint) (remoteFS, error) {
	sshConfig := &ssh.ClientConfig{
		User:            ep.username,
		Auth:            []ssh.AuthMethod{ssh.Password(ep.password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	sshConn, err := ssh.Dial("tcp", ep.addr(), sshConfig)
	if err != nil {
		return nil, errors.ConnectionError("sftp dial failed for "+ep.addr(), err)
	}

	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, errors.ConnectionError("sftp session failed for "+ep.addr(), err)
	}
	return &sftpFS{ssh: sshConn, client: client}, nil
}

// ftpFS adapts jlaffaye/ftp to remoteFS.
type ftpFS struct {
	conn *ftp.ServerConn
}

func (f *ftpFS) List(dir string) ([]Entry, error) {
	listing, err := f.conn.List(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(listing))
	for _, item := range listing {
		if item.Name == "." || item.Name == ".." {
			continue
		}
		entries = append(entries, Entry{
			Name:    item.Name,
			Path:    path.Join(dir, item.Name),
			Size:    int64(item.Size),
			IsDir:   item.Type == ftp.EntryTypeFolder,
			ModTime: item.Time,
		})
	}
	return entries, nil
}

func (f *ftpFS) Get(file string) ([]byte, error) {
	resp, err := f.conn.Retr(file)
	if err != nil {
		return nil, err
	}
	defer resp.Close()
	return io.ReadAll(resp)
}

func (f *ftpFS) Put(file string, content []byte) error {
	return f.conn.Stor(file, bytes.NewReader(content))
}

func (f *ftpFS) Delete(file string) error {
	return f.conn.Delete(file)
}

func (f *ftpFS) Rename(from, to string) error {
	return f.conn.Rename(from, to)
}

func (f *ftpFS) Mkdir(dir string) error {
	return f.conn.MakeDir(dir)
}

func (f *ftpFS) Rmdir(dir string) error {
	return f.conn.RemoveDir(dir)
}

func (f *ftpFS) Stat(file string) (*Entry, error) {
	entries, err := f.List(path.Dir(file))
	if err != nil {
		return nil, err
	}
	name := path.Base(file)
	for i := range entries {
		if entries[i].Name == name {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (f *ftpFS) Close() error {
	return f.conn.Quit()
}

// sftpFS adapts pkg/sftp to remoteFS.
type sftpFS struct {
	ssh    *ssh.Client
	client *sftp.Client
}

func (s *sftpFS) List(dir string) ([]Entry, error) {
	listing, err := s.client.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(listing))
	for _, info := range listing {
		entries = append(entries, Entry{
			Name:    info.Name(),
			Path:    path.Join(dir, info.Name()),
			Size:    info.Size(),
			IsDir:   info.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

func (s *sftpFS) Get(file string) ([]byte, error) {
	f, err := s.client.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *sftpFS) Put(file string, content []byte) error {
	f, err := s.client.Create(file)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *sftpFS) Delete(file string) error {
	return s.client.Remove(file)
}

func (s *sftpFS) Rename(from, to string) error {
	return s.client.Rename(from, to)
}

func (s *sftpFS) Mkdir(dir string) error {
	return s.client.Mkdir(dir)
}

func (s *sftpFS) Rmdir(dir string) error {
	return s.client.RemoveDirectory(dir)
}

func (s *sftpFS) Stat(file string) (*Entry, error) {
	info, err := s.client.Stat(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &Entry{
		Name:    info.Name(),
		Path:    file,
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}, nil
}

func (s *sftpFS) Close() error {
	err := s.client.Close()
	if cerr := s.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}
