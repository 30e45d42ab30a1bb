// Пакет version хранит версию демона. Значение подставляется в DeviceConfig
// MTProto-клиента и в лог старта; при сборке релиза перебивается через
// -ldflags "-X telegram-syncd/internal/support/version.Version=...".
package version

// Version — версия сборки по умолчанию (dev-сборка без ldflags).
var Version = "0.3.0-dev"
